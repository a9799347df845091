// Package collect reduces the artifacts of every run directory into weighted
// statistics per state point.
package collect

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dynamomd/dynasweep/internal/sweep/artifact"
	"github.com/dynamomd/dynasweep/internal/sweep/observable"
	"github.com/dynamomd/dynasweep/internal/sweep/rundir"
	"github.com/dynamomd/dynasweep/internal/sweep/state"
	"github.com/dynamomd/dynasweep/internal/sweep/stats"
)

// Entry is the merged data of one state point.
type Entry struct {
	Point state.Point  `msgpack:"-"`
	Pairs []state.Pair `msgpack:"pairs"`
	// Dirs counts the run directories that contributed.
	Dirs       int                  `msgpack:"dirs"`
	NEventsTot int64                `msgpack:"nevents_tot"`
	TTotal     float64              `msgpack:"t_total"`
	Values     map[string]stats.Acc `msgpack:"values"`
}

// Merge folds o into e. Both must describe the same state point.
func (e *Entry) Merge(o *Entry) error {
	e.Dirs += o.Dirs
	e.NEventsTot += o.NEventsTot
	e.TTotal += o.TTotal
	if e.Values == nil {
		e.Values = map[string]stats.Acc{}
	}
	var errs []error
	for name, acc := range o.Values {
		merged, err := e.Values[name].Merge(acc)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		e.Values[name] = merged
	}
	return errors.Join(errs...)
}

// Result is the reduced map of entries keyed by state point.
type Result struct {
	Vars        []string
	Observables []string
	Entries     map[string]*Entry
}

func (r *Result) add(e *Entry) error {
	key := e.Point.Key()
	if cur, ok := r.Entries[key]; ok {
		return cur.Merge(e)
	}
	r.Entries[key] = e
	return nil
}

// Sorted returns the entries ordered by Vars.
func (r *Result) Sorted() []*Entry {
	out := make([]*Entry, 0, len(r.Entries))
	for _, e := range r.Entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return state.Compare(out[i].Point, out[j].Point, r.Vars) < 0 })
	return out
}

// Collector walks run directories under Layout.Root.
type Collector struct {
	Layout      rundir.Layout
	Observables *observable.Set
	// EquilEvents is the per-particle event count excluded from statistics.
	EquilEvents float64
	Workers     int
	// Only restricts collection to these state points when set.
	Only *state.Space
	// Select holds doublestar patterns matched against directory names.
	Select []string
	Logger *zap.Logger
	// OnDir is called once per visited directory.
	OnDir func(dir string)
}

func (c *Collector) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// Collect maps every run directory in parallel and merges the partial
// results per state point. Bad directories and artifacts are logged and
// skipped, never fatal.
func (c *Collector) Collect(ctx context.Context, vars []string) (*Result, error) {
	if c.Observables == nil {
		c.Observables = &observable.Set{}
	}
	dirs, err := c.Layout.List(c.Select)
	if err != nil {
		return nil, err
	}
	workers := c.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	res := &Result{Vars: vars, Observables: c.Observables.Names(), Entries: map[string]*Entry{}}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, dir := range dirs {
		dir := dir
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			e := c.collectDir(dir)
			mu.Lock()
			defer mu.Unlock()
			if c.OnDir != nil {
				c.OnDir(dir)
			}
			if e == nil {
				return nil
			}
			if err := res.add(e); err != nil {
				c.logger().Warn("merge failed", zap.String("dir", dir), zap.Error(err))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return res, nil
}

// collectDir is the per-directory map step. It returns nil for directories
// that contribute nothing.
func (c *Collector) collectDir(dir string) *Entry {
	logger := c.logger().With(zap.String("dir", dir))
	if !c.Layout.HasArtifacts(dir) {
		return nil
	}
	p, err := state.LoadSnapshot(dir)
	if err != nil {
		logger.Warn("skipping directory without a readable state snapshot", zap.Error(err))
		return nil
	}
	// Snapshots may carry variables that are no longer tracked.
	if len(c.Layout.Vars) > 0 {
		p = p.Project(c.Layout.Vars)
	}
	if c.Only != nil && !c.Only.Contains(p) {
		return nil
	}

	e := &Entry{Point: p, Pairs: p.Pairs(), Dirs: 1, Values: map[string]stats.Acc{}}
	var executed int64
	for i := 0; ; i++ {
		cfgPath, dataPath := c.Layout.Config(dir, i), c.Layout.Data(dir, i)
		if !exists(cfgPath) || !exists(dataPath) {
			break
		}
		out, err := artifact.LoadOutput(dataPath)
		if err != nil {
			logger.Warn("stopping at unreadable artifact", zap.Int("step", i), zap.Error(err))
			break
		}
		events, err := out.Events()
		if err != nil {
			logger.Warn("stopping at artifact without event count", zap.Int("step", i), zap.Error(err))
			break
		}
		n, err := out.N()
		if err != nil {
			logger.Warn("stopping at artifact without particle count", zap.Int("step", i), zap.Error(err))
			break
		}
		if float64(executed) < c.EquilEvents*float64(n) {
			executed += events
			continue
		}
		t, err := out.Time()
		if err != nil {
			logger.Warn("stopping at artifact without duration", zap.Int("step", i), zap.Error(err))
			break
		}
		e.NEventsTot += events
		e.TTotal += t

		in := observable.Input{Point: p, Dir: dir, Step: i, ConfigPath: cfgPath, Output: out}
		for _, o := range c.Observables.Observables {
			acc, ok, err := o.Extractor.Extract(in)
			if err != nil {
				logger.Warn("observable extraction failed", zap.String("observable", o.Name), zap.Int("step", i), zap.Error(err))
				continue
			}
			if !ok {
				continue
			}
			merged, err := e.Values[o.Name].Merge(acc)
			if err != nil {
				logger.Warn("observable merge failed", zap.String("observable", o.Name), zap.Int("step", i), zap.Error(err))
				continue
			}
			e.Values[o.Name] = merged
		}
	}
	return e
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, fs.ErrNotExist)
}
