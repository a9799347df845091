package rundir

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/dynamomd/dynasweep/internal/sweep/artifact"
	"github.com/dynamomd/dynasweep/internal/sweep/state"
)

// Plan is the event schedule shared by every chain, in events per particle.
type Plan struct {
	EquilEvents float64
	BlockEvents float64
	// Plugins are extra simulator flags requested by observables for
	// production runs.
	Plugins []string
}

// Result describes what one call to Runner.Run did.
type Result struct {
	Dir string
	// Status is SetupCompleted or SetupSkipped; failures are errors.
	Status SetupStatus
	// Events is the per-particle production length reached.
	Events float64
	// Invocations counts external processes started by this call.
	Invocations int
}

// Runner executes the setup, equilibration and extension steps of a run
// directory. Every step whose artifacts already exist and validate is reused,
// so Run is safe to call repeatedly with growing targets. Run is safe for
// concurrent use on different (point, restart) pairs only.
type Runner struct {
	Layout    Layout
	Setup     Setup
	Simulator Simulator
	Plan      Plan
	Logger    *zap.Logger
}

func (r *Runner) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

// Ensure creates the run directory of (p, restart) and records p in it when
// the directory is new.
func (r *Runner) Ensure(p state.Point, restart int) (string, error) {
	dir := r.Layout.Dir(p, restart)
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return "", err
	}
	err := os.Mkdir(dir, 0o755)
	switch {
	case err == nil:
		if err := state.SaveSnapshot(dir, p); err != nil {
			return "", fmt.Errorf("record state in %s: %w", dir, err)
		}
	case errors.Is(err, fs.ErrExist):
		if !state.HasSnapshot(dir) {
			if err := state.SaveSnapshot(dir, p); err != nil {
				return "", fmt.Errorf("record state in %s: %w", dir, err)
			}
		}
	default:
		return "", err
	}
	return dir, nil
}

// Run advances (p, restart) until target per-particle production events.
func (r *Runner) Run(ctx context.Context, p state.Point, restart int, target float64) (Result, error) {
	if r.Simulator == nil {
		return Result{}, fmt.Errorf("no simulator configured")
	}
	if target > 0 && r.Plan.BlockEvents <= 0 {
		return Result{}, fmt.Errorf("block size must be positive, got %v", r.Plan.BlockEvents)
	}
	dir, err := r.Ensure(p, restart)
	if err != nil {
		return Result{}, err
	}
	res := Result{Dir: dir, Status: SetupCompleted}
	logger := r.logger().With(zap.String("dir", dir), zap.Float64("target", target))

	logPath := filepath.Join(dir, LogFile)
	lf, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return res, err
	}
	defer func() { _ = lf.Close() }()

	banner(lf, "Setup Config")
	start := r.Layout.StartConfig(dir)
	if err := artifact.Validate(start); err != nil {
		fmt.Fprintln(lf, "No (valid) config found, creating...")
		if r.Setup == nil {
			return res, fmt.Errorf("%s: no start config and no setup command configured", dir)
		}
		res.Invocations++
		sr := r.Setup.Setup(ctx, SetupRequest{
			Dir:         dir,
			Output:      start,
			Point:       p,
			Log:         lf,
			LogPath:     logPath,
			EquilEvents: r.Plan.EquilEvents,
		})
		switch sr.Status {
		case SetupSkipped:
			fmt.Fprintf(lf, "Setup skipped this point: %s\n", sr.Reason)
			logger.Info("setup skipped state point", zap.String("reason", sr.Reason))
			res.Status = SetupSkipped
			return res, nil
		case SetupFailed:
			return res, fmt.Errorf("setup of %s failed: %w", dir, sr.Err)
		}
		if err := artifact.Validate(start); err != nil {
			return res, fmt.Errorf("setup of %s produced no valid start config: %w", dir, err)
		}
	} else {
		fmt.Fprintln(lf, "Initial config found.")
	}

	cfg, err := artifact.LoadConfig(start)
	if err != nil {
		return res, err
	}
	n := cfg.N()
	if n <= 0 {
		return res, fmt.Errorf("%s: start config has no particles", start)
	}

	banner(lf, "Equilibration Run")
	if step, ok := r.Layout.ValidStep(dir, 0); !ok {
		res.Invocations++
		err := r.Simulator.Extend(ctx, ExtendRequest{
			Dir:     dir,
			Input:   start,
			Output:  step.Config,
			Data:    step.Data,
			Events:  totalEvents(n, r.Plan.EquilEvents),
			Log:     lf,
			LogPath: logPath,
		})
		if err != nil {
			return res, fmt.Errorf("equilibration of %s: %w", dir, err)
		}
		if _, ok := r.Layout.ValidStep(dir, 0); !ok {
			return res, fmt.Errorf("equilibration of %s left invalid artifacts; see log %q", dir, logPath)
		}
	} else {
		fmt.Fprintln(lf, "Found existing valid equilibration run")
	}

	for counter := 1; res.Events < target; counter++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		banner(lf, "Production Run")
		fmt.Fprintf(lf, "Events %v / %v\n\n", res.Events, target)

		input := r.Layout.Config(dir, counter-1)
		if _, err := os.Stat(input); err != nil {
			return res, fmt.Errorf("%s: input config for step %d is missing", dir, counter)
		}
		if step, ok := r.Layout.ValidStep(dir, counter); ok {
			perN, err := eventsPerParticle(step.Data)
			if err != nil {
				return res, err
			}
			res.Events += perN
			fmt.Fprintf(lf, "Found existing config and data for run %d with %vN events, skipping\n", counter, perN)
			continue
		}
		step := Step{Index: counter, Config: r.Layout.Config(dir, counter), Data: r.Layout.Data(dir, counter)}
		res.Invocations++
		logger.Debug("extending run", zap.Int("step", counter))
		err := r.Simulator.Extend(ctx, ExtendRequest{
			Dir:     dir,
			Input:   input,
			Output:  step.Config,
			Data:    step.Data,
			Events:  totalEvents(n, r.Plan.BlockEvents),
			Plugins: r.Plan.Plugins,
			Log:     lf,
			LogPath: logPath,
		})
		if err != nil {
			return res, fmt.Errorf("production step %d of %s: %w", counter, dir, err)
		}
		if _, ok := r.Layout.ValidStep(dir, counter); !ok {
			return res, fmt.Errorf("production step %d of %s left invalid artifacts; see log %q", counter, dir, logPath)
		}
		res.Events += r.Plan.BlockEvents
	}

	banner(lf, "Run Complete")
	fmt.Fprintf(lf, "Events %v / %v\n\n", res.Events, target)
	return res, nil
}

func totalEvents(n int, perParticle float64) int64 {
	return int64(math.Round(float64(n) * perParticle))
}

func banner(w io.Writer, title string) {
	line := strings.Repeat("#", 32)
	fmt.Fprintf(w, "\n\n%s\n#%s#\n%s\n", line, center(title, 30), line)
}

func center(s string, width int) string {
	if len(s) >= width {
		return s
	}
	left := (width - len(s)) / 2
	return strings.Repeat(" ", left) + s + strings.Repeat(" ", width-len(s)-left)
}
