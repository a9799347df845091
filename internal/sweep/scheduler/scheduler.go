package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Outcome is the result of a task that did not fail.
type Outcome int

const (
	// Done lets the chain continue with its next task.
	Done Outcome = iota
	// Skip ends the chain quietly; the remaining tasks are not failures.
	Skip
)

// Runner executes one task of a chain.
type Runner interface {
	RunTask(ctx context.Context, c Chain, target float64) (Outcome, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, c Chain, target float64) (Outcome, error)

func (f RunnerFunc) RunTask(ctx context.Context, c Chain, target float64) (Outcome, error) {
	return f(ctx, c, target)
}

// TaskState is the lifecycle state of one task.
type TaskState int

const (
	TaskPending TaskState = iota
	TaskRunning
	TaskSucceeded
	TaskFailed
	// TaskAbandoned is a task never started because an earlier task of its
	// chain failed.
	TaskAbandoned
	// TaskSkipped is a task never started because its chain was skipped.
	TaskSkipped
)

func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskRunning:
		return "running"
	case TaskSucceeded:
		return "succeeded"
	case TaskFailed:
		return "failed"
	case TaskAbandoned:
		return "abandoned"
	case TaskSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Stats counts tasks by state.
type Stats struct {
	Total     int `json:"total"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Skipped   int `json:"skipped"`
	// Failed includes abandoned descendants of failed tasks.
	Failed int `json:"failed"`
}

// Resolved is the number of tasks in a terminal state.
func (s Stats) Resolved() int { return s.Succeeded + s.Skipped + s.Failed }

// TaskError records one failed task.
type TaskError struct {
	Chain     Chain
	Target    float64
	Abandoned int
	Err       error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s (target %v): %v", e.Chain, e.Target, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// AggregateError is returned when any chain failed. Every underlying error is
// written to LogPath.
type AggregateError struct {
	Count   int
	LogPath string
	Errors  []*TaskError
}

func (e *AggregateError) Error() string {
	if e.LogPath == "" {
		return fmt.Sprintf("parallel execution failed: %d task(s) failed", e.Count)
	}
	return fmt.Sprintf("parallel execution failed: %d task(s) failed; errors written to %q", e.Count, e.LogPath)
}

// Event is a scheduler progress notification.
type Event struct {
	Kind   string
	Chain  *Chain
	Target float64
	Err    error
	Stats  Stats
}

// Scheduler runs chains with at most Workers tasks in flight.
type Scheduler struct {
	Workers int
	Runner  Runner
	Logger  *zap.Logger
	// ErrorLog receives every failure when the run ends with errors.
	ErrorLog string
	// OnEvent, when set, is called from the coordinating goroutine only.
	OnEvent func(Event)
	// ProgressInterval paces "progress" events; zero disables them.
	ProgressInterval time.Duration
}

type task struct {
	chain int
	index int
}

type result struct {
	task    task
	outcome Outcome
	err     error
}

// Run executes every chain. A failed task abandons the rest of its chain;
// other chains keep running. After all chains resolve, failures are reported
// together as an *AggregateError.
func (s *Scheduler) Run(ctx context.Context, chains []Chain) (Stats, error) {
	if s.Runner == nil {
		return Stats{}, fmt.Errorf("scheduler: no runner")
	}
	workers := s.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	st := make([][]TaskState, len(chains))
	var stats Stats
	// Dependency-count model: a task is queued once its single predecessor
	// succeeds, so only chain heads start ready.
	var ready []task
	for i, c := range chains {
		st[i] = make([]TaskState, len(c.Targets))
		stats.Total += len(c.Targets)
		if len(c.Targets) > 0 {
			ready = append(ready, task{chain: i})
		}
	}

	emit := func(kind string, t *task, err error) {
		if s.OnEvent == nil {
			return
		}
		ev := Event{Kind: kind, Err: err, Stats: stats}
		if t != nil {
			c := chains[t.chain]
			ev.Chain = &c
			ev.Target = c.Targets[t.index]
		}
		s.OnEvent(ev)
	}

	workCh := make(chan task, workers)
	doneCh := make(chan result, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range workCh {
				out, err := s.runOne(ctx, chains[t.chain], chains[t.chain].Targets[t.index])
				doneCh <- result{task: t, outcome: out, err: err}
			}
		}()
	}
	stop := func() {
		close(workCh)
		wg.Wait()
	}

	var tick <-chan time.Time
	if s.ProgressInterval > 0 {
		ticker := time.NewTicker(s.ProgressInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	var failures []*TaskError
	cancelled := false
	inFlight := 0
	for stats.Resolved() < stats.Total {
		if !cancelled && ctx.Err() != nil {
			cancelled = true
			logger.Warn("scheduler cancelled; waiting for running tasks", zap.Int("running", inFlight))
		}
		for !cancelled && inFlight < workers && len(ready) > 0 {
			t := ready[0]
			ready = ready[1:]
			st[t.chain][t.index] = TaskRunning
			stats.Running++
			inFlight++
			workCh <- t
			emit("task_started", &t, nil)
		}
		if inFlight == 0 {
			// Only reachable after cancellation with tasks left unstarted.
			break
		}

		select {
		case <-ctx.Done():
			if !cancelled {
				cancelled = true
				logger.Warn("scheduler cancelled; waiting for running tasks", zap.Int("running", inFlight))
			}
			r := <-doneCh
			inFlight--
			failures = s.resolve(chains, st, &stats, &ready, r, failures, logger, emit)
		case r := <-doneCh:
			inFlight--
			failures = s.resolve(chains, st, &stats, &ready, r, failures, logger, emit)
		case <-tick:
			emit("progress", nil, nil)
		}
	}
	stop()

	if cancelled {
		return stats, fmt.Errorf("scheduler cancelled with %d of %d tasks unresolved: %w", stats.Total-stats.Resolved(), stats.Total, ctx.Err())
	}
	if len(failures) == 0 {
		return stats, nil
	}
	agg := &AggregateError{Count: stats.Failed, Errors: failures}
	if s.ErrorLog != "" {
		if err := writeErrorLog(s.ErrorLog, failures); err != nil {
			logger.Error("write error log", zap.String("path", s.ErrorLog), zap.Error(err))
		} else {
			agg.LogPath = s.ErrorLog
		}
	}
	return stats, agg
}

func (s *Scheduler) resolve(chains []Chain, st [][]TaskState, stats *Stats, ready *[]task, r result, failures []*TaskError, logger *zap.Logger, emit func(string, *task, error)) []*TaskError {
	t := r.task
	c := chains[t.chain]
	stats.Running--
	switch {
	case r.err != nil:
		st[t.chain][t.index] = TaskFailed
		abandoned := 0
		for i := t.index + 1; i < len(c.Targets); i++ {
			st[t.chain][i] = TaskAbandoned
			abandoned++
		}
		stats.Failed += 1 + abandoned
		failures = append(failures, &TaskError{Chain: c, Target: c.Targets[t.index], Abandoned: abandoned, Err: r.err})
		logger.Warn("task failed",
			zap.Stringer("chain", c),
			zap.Float64("target", c.Targets[t.index]),
			zap.Int("abandoned", abandoned),
			zap.Error(r.err))
		emit("task_failed", &t, r.err)
	case r.outcome == Skip:
		st[t.chain][t.index] = TaskSkipped
		for i := t.index + 1; i < len(c.Targets); i++ {
			st[t.chain][i] = TaskSkipped
		}
		stats.Skipped += len(c.Targets) - t.index
		emit("chain_skipped", &t, nil)
	default:
		st[t.chain][t.index] = TaskSucceeded
		stats.Succeeded++
		if next := t.index + 1; next < len(c.Targets) {
			*ready = append(*ready, task{chain: t.chain, index: next})
		}
		emit("task_succeeded", &t, nil)
	}
	return failures
}

// runOne turns a panicking runner into a task failure.
func (s *Scheduler) runOne(ctx context.Context, c Chain, target float64) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	if err := ctx.Err(); err != nil {
		return Done, err
	}
	return s.Runner.RunTask(ctx, c, target)
}

func writeErrorLog(path string, failures []*TaskError) error {
	var b strings.Builder
	for i, f := range failures {
		fmt.Fprintf(&b, "=== error %d/%d: %s, target %v", i+1, len(failures), f.Chain, f.Target)
		if f.Abandoned > 0 {
			fmt.Fprintf(&b, " (%d later task(s) abandoned)", f.Abandoned)
		}
		b.WriteString(" ===\n")
		b.WriteString(f.Err.Error())
		b.WriteString("\n")
		var unwrapped interface{ Unwrap() []error }
		if errors.As(f.Err, &unwrapped) {
			for _, e := range unwrapped.Unwrap() {
				fmt.Fprintf(&b, "  - %v\n", e)
			}
		}
		b.WriteString("\n")
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}
