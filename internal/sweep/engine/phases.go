package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/dynamomd/dynasweep/internal/sweep/collect"
	"github.com/dynamomd/dynasweep/internal/sweep/procutil"
	"github.com/dynamomd/dynasweep/internal/sweep/reconcile"
	"github.com/dynamomd/dynasweep/internal/sweep/rundir"
	"github.com/dynamomd/dynasweep/internal/sweep/runstate"
	"github.com/dynamomd/dynasweep/internal/sweep/scheduler"
)

// ErrorLogFile receives every task failure of a run.
const ErrorLogFile = "errors.log"

// lock takes the workdir PID file for the duration of a mutating phase.
func (m *Manager) lock() (func(), error) {
	if err := os.MkdirAll(m.cfg.Workdir, 0o755); err != nil {
		return nil, err
	}
	if err := procutil.AcquirePIDFile(m.pidPath()); err != nil {
		return nil, err
	}
	return func() {
		if err := procutil.ReleasePIDFile(m.pidPath()); err != nil {
			m.logger.Warn("release workdir lock", zap.Error(err))
		}
	}, nil
}

// Run extends every (state point, restart) chain to the configured length.
// Task failures do not stop other chains; they are reported together as a
// *scheduler.AggregateError once everything has resolved.
func (m *Manager) Run(ctx context.Context) (scheduler.Stats, error) {
	if err := m.Preflight(); err != nil {
		return scheduler.Stats{}, err
	}
	chains, err := scheduler.BuildChains(m.space.Points, m.cfg.Restarts, m.cfg.Run.BlockEvents, m.cfg.Run.RunEvents)
	if err != nil {
		return scheduler.Stats{}, err
	}
	release, err := m.lock()
	if err != nil {
		return scheduler.Stats{}, err
	}
	defer release()

	finalPath := filepath.Join(m.cfg.Workdir, runstate.FinalFile)
	if err := os.Remove(finalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return scheduler.Stats{}, err
	}

	runner := &rundir.Runner{
		Layout:    m.layout,
		Setup:     m.setup(),
		Simulator: m.simulator(),
		Plan: rundir.Plan{
			EquilEvents: m.cfg.Run.EquilEvents,
			BlockEvents: m.cfg.Run.BlockEvents,
			Plugins:     m.obs.Plugins,
		},
		Logger: m.logger,
	}
	tasks := 0
	for _, c := range chains {
		tasks += len(c.Targets)
	}
	m.logger.Info("running sweep",
		zap.Int("points", len(m.space.Points)),
		zap.Int("restarts", m.cfg.Restarts),
		zap.Int("tasks", tasks),
		zap.Int("workers", m.cfg.Processes))
	m.appendProgress(map[string]any{
		"event":    "run_started",
		"phase":    "run",
		"points":   len(m.space.Points),
		"restarts": m.cfg.Restarts,
		"tasks":    tasks,
		"workers":  m.cfg.Processes,
		"plugins":  m.obs.Plugins,
	})

	sched := &scheduler.Scheduler{
		Workers:          m.cfg.Processes,
		Runner:           m.taskRunner(runner),
		Logger:           m.logger,
		ErrorLog:         filepath.Join(m.cfg.Workdir, ErrorLogFile),
		OnEvent:          m.onSchedulerEvent,
		ProgressInterval: m.opts.ProgressInterval,
	}
	stats, runErr := sched.Run(ctx, chains)

	fo := &FinalOutcome{
		Timestamp: time.Now().UTC(),
		Status:    FinalSuccess,
		RunID:     m.runID,
		Phase:     "run",
		Stats:     stats,
	}
	done := map[string]any{"event": "run_finished", "phase": "run", "stats": stats}
	if runErr != nil {
		fo.Status = FinalFail
		fo.FailureReason = runErr.Error()
		var agg *scheduler.AggregateError
		if errors.As(runErr, &agg) {
			fo.ErrorLog = agg.LogPath
		}
		done["error"] = runErr.Error()
	}
	done["status"] = string(fo.Status)
	if err := fo.Save(finalPath); err != nil {
		m.logger.Error("write final outcome", zap.String("path", finalPath), zap.Error(err))
	}
	m.appendProgress(done)
	return stats, runErr
}

func (m *Manager) taskRunner(r *rundir.Runner) scheduler.Runner {
	return scheduler.RunnerFunc(func(ctx context.Context, c scheduler.Chain, target float64) (scheduler.Outcome, error) {
		res, err := r.Run(ctx, c.Point, c.Restart, target)
		if err != nil {
			return scheduler.Done, err
		}
		if res.Status == rundir.SetupSkipped {
			return scheduler.Skip, nil
		}
		return scheduler.Done, nil
	})
}

// Reorganize re-derives the state of existing run directories and renames
// them to match the current variable set.
func (m *Manager) Reorganize(ctx context.Context) (*reconcile.Report, error) {
	release, err := m.lock()
	if err != nil {
		return nil, err
	}
	defer release()

	m.appendProgress(map[string]any{"event": "reorg_started", "phase": "reorg"})
	r := &reconcile.Reconciler{
		Layout:   m.layout,
		Registry: m.opts.Variables,
		Workers:  m.cfg.Processes,
		Select:   m.cfg.Select,
		Logger:   m.logger,
	}
	rep, err := r.Reconcile(ctx)
	ev := map[string]any{"event": "reorg_finished", "phase": "reorg"}
	if rep != nil {
		ev["visited"] = rep.Visited
		ev["updated"] = rep.Updated
		ev["moved"] = len(rep.Moves)
		ev["skipped"] = len(rep.Skipped)
		m.logger.Info("reorganized run directories",
			zap.Int("visited", rep.Visited),
			zap.Int("updated", rep.Updated),
			zap.Int("moved", len(rep.Moves)),
			zap.Int("skipped", len(rep.Skipped)))
	}
	if err != nil {
		ev["error"] = err.Error()
	}
	m.appendProgress(ev)
	return rep, err
}

// CollectOptions tune Collect.
type CollectOptions struct {
	// FromRaw rebuilds the table from the raw snapshot of a previous
	// collection instead of reading artifacts.
	FromRaw bool
}

// Collect reduces every run directory into a table and writes the
// configured outputs. It takes no lock and leaves the run files of the
// workdir untouched, so it may run beside an active Run.
func (m *Manager) Collect(ctx context.Context, opts CollectOptions) (*collect.Table, error) {
	var res *collect.Result
	if opts.FromRaw {
		r, err := collect.LoadRaw(m.rawPath())
		if err != nil {
			return nil, err
		}
		res = r
	} else {
		visited := 0
		c := &collect.Collector{
			Layout:      m.layout,
			Observables: m.obs,
			EquilEvents: m.cfg.Run.EquilEvents,
			Workers:     m.cfg.Processes,
			Select:      m.cfg.Select,
			Logger:      m.logger,
			OnDir:       func(string) { visited++ },
		}
		if m.cfg.Collect.OnlyCurrent {
			c.Only = m.space
		}
		r, err := c.Collect(ctx, m.vars)
		if err != nil {
			return nil, err
		}
		m.logger.Info("collected run directories", zap.Int("visited", visited), zap.Int("points", len(r.Entries)))
		res = r
		if m.cfg.Collect.RawSnapshot {
			if err := collect.SaveRaw(m.rawPath(), res); err != nil {
				return nil, fmt.Errorf("save raw snapshot: %w", err)
			}
		}
	}

	tab := res.Table()
	if path := m.cfg.Collect.OutputCSV; path != "" {
		if err := writeCSV(path, tab); err != nil {
			return nil, fmt.Errorf("write %s: %w", path, err)
		}
	}
	if path := m.cfg.Collect.OutputSQLite; path != "" {
		if err := tab.WriteSQLite(ctx, path, m.cfg.Collect.SQLiteTable); err != nil {
			return nil, fmt.Errorf("write %s: %w", path, err)
		}
	}
	m.logger.Info("wrote collected table",
		zap.Int("rows", len(tab.Rows)),
		zap.Bool("from_raw", opts.FromRaw),
		zap.String("csv", m.cfg.Collect.OutputCSV),
		zap.String("sqlite", m.cfg.Collect.OutputSQLite))
	return tab, nil
}

func writeCSV(path string, tab *collect.Table) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := tab.WriteCSV(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
