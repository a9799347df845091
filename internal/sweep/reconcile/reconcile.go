// Package reconcile brings existing run directories in line with the
// currently tracked state variables.
//
// Re-derivation runs in parallel, one directory per worker. Renames are
// applied afterwards by a single goroutine so that suffix collision
// resolution sees a consistent set of taken names.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dynamomd/dynasweep/internal/sweep/artifact"
	"github.com/dynamomd/dynasweep/internal/sweep/rundir"
	"github.com/dynamomd/dynasweep/internal/sweep/state"
)

// Move records one relocated directory.
type Move struct {
	From string
	To   string
}

// Report summarizes one reconciliation pass.
type Report struct {
	Visited int
	// Updated counts snapshots rewritten because the state changed.
	Updated int
	Moves   []Move
	// Skipped holds directories that could not be re-derived.
	Skipped []string
}

// Reconciler re-derives the state of every run directory under Layout.Root.
type Reconciler struct {
	// Layout.Vars is the current ordered set of tracked variables.
	Layout   rundir.Layout
	Registry *state.Registry
	Workers  int
	Select   []string
	Logger   *zap.Logger
}

type plan struct {
	dir   string
	point state.Point
}

func (r *Reconciler) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

// Reconcile runs one pass. Running it again on its own output performs no
// moves.
func (r *Reconciler) Reconcile(ctx context.Context) (*Report, error) {
	dirs, err := r.Layout.List(r.Select)
	if err != nil {
		return nil, err
	}
	workers := r.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	rep := &Report{}
	var (
		mu    sync.Mutex
		plans []plan
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, dir := range dirs {
		dir := dir
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			p, updated, err := r.rederive(dir)
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, errNotRunDir) {
				return nil
			}
			rep.Visited++
			if err != nil {
				r.logger().Warn("skipping directory", zap.String("dir", dir), zap.Error(err))
				rep.Skipped = append(rep.Skipped, dir)
				return nil
			}
			if updated {
				rep.Updated++
			}
			plans = append(plans, plan{dir: dir, point: p})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Strings(rep.Skipped)
	sort.Slice(plans, func(i, j int) bool { return plans[i].dir < plans[j].dir })

	var errs []error
	for _, pl := range plans {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if _, ok := r.Layout.Restart(pl.point, pl.dir); ok {
			continue
		}
		to := r.Layout.NextFree(pl.point, pl.dir)
		if err := os.Rename(pl.dir, to); err != nil {
			errs = append(errs, fmt.Errorf("move %s: %w", pl.dir, err))
			continue
		}
		r.logger().Info("moved run directory", zap.String("from", pl.dir), zap.String("to", to))
		rep.Moves = append(rep.Moves, Move{From: pl.dir, To: to})
	}
	return rep, errors.Join(errs...)
}

var errNotRunDir = errors.New("not a run directory")

// rederive computes the current state of dir and persists it when it
// differs from the snapshot.
func (r *Reconciler) rederive(dir string) (state.Point, bool, error) {
	if !state.HasSnapshot(dir) && !r.Layout.HasArtifacts(dir) {
		return state.Point{}, false, errNotRunDir
	}
	old, err := state.LoadSnapshot(dir)
	if err != nil {
		return state.Point{}, false, err
	}

	var cfg *artifact.ConfigFile
	config := func() (*artifact.ConfigFile, error) {
		if cfg != nil {
			return cfg, nil
		}
		configs := r.Layout.Configs(dir)
		if len(configs) == 0 {
			return nil, fmt.Errorf("no configuration artifact in %s", dir)
		}
		c, err := artifact.LoadConfig(configs[0])
		if err != nil {
			return nil, err
		}
		cfg = c
		return cfg, nil
	}

	// Untracked variables of the snapshot are carried along so that a later
	// sweep that tracks them again still sees the recorded value.
	vals := old.Map()
	for _, name := range r.Layout.Vars {
		v, _ := r.Registry.Lookup(name)
		prev, had := old.Get(name)
		if had && !v.Recalculable {
			vals[name] = prev
			continue
		}
		c, err := config()
		if err != nil {
			return state.Point{}, false, fmt.Errorf("rederive %s: %w", name, err)
		}
		val, err := r.Registry.Rederive(name, c)
		if err != nil {
			return state.Point{}, false, err
		}
		vals[name] = val
	}
	p := state.NewPoint(vals)
	if p.Equal(old) {
		return p, false, nil
	}
	if err := state.SaveSnapshot(dir, p); err != nil {
		return state.Point{}, false, fmt.Errorf("save %s: %w", filepath.Join(dir, state.SnapshotFile), err)
	}
	return p, true, nil
}
