package rundir

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dynamomd/dynasweep/internal/sweep/state"
)

// SetupStatus is the outcome of constructing a start artifact.
type SetupStatus int

const (
	SetupCompleted SetupStatus = iota
	// SetupSkipped deliberately excludes the state point. Not a failure.
	SetupSkipped
	SetupFailed
)

func (s SetupStatus) String() string {
	switch s {
	case SetupCompleted:
		return "completed"
	case SetupSkipped:
		return "skipped"
	case SetupFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SetupResult carries the status and, for skips and failures, the reason.
type SetupResult struct {
	Status SetupStatus
	Reason string
	Err    error
}

func Completed() SetupResult { return SetupResult{Status: SetupCompleted} }

func Skipped(reason string) SetupResult {
	return SetupResult{Status: SetupSkipped, Reason: reason}
}

func Failed(err error) SetupResult {
	return SetupResult{Status: SetupFailed, Reason: err.Error(), Err: err}
}

// SetupRequest asks for the start artifact of one run directory.
type SetupRequest struct {
	Dir    string
	Output string
	Point  state.Point
	Log    io.Writer
	// LogPath is the file behind Log, for error messages.
	LogPath string
	// EquilEvents is the per-particle equilibration budget.
	EquilEvents float64
}

// Setup constructs start artifacts.
type Setup interface {
	Setup(ctx context.Context, req SetupRequest) SetupResult
}

// SetupFunc adapts a function to Setup.
type SetupFunc func(ctx context.Context, req SetupRequest) SetupResult

func (f SetupFunc) Setup(ctx context.Context, req SetupRequest) SetupResult { return f(ctx, req) }

// ExtendRequest asks the simulator to continue Input by Events events.
type ExtendRequest struct {
	Dir     string
	Input   string
	Output  string
	Data    string
	Events  int64
	Plugins []string
	Log     io.Writer
	LogPath string
}

// Simulator extends a configuration by a number of events.
type Simulator interface {
	Extend(ctx context.Context, req ExtendRequest) error
}

// CommandSimulator runs an external simulator binary:
//
//	<Command> <input> -o <output> -c <events> --out-data-file <data> [plugins...]
type CommandSimulator struct {
	// Command is the executable followed by any fixed leading arguments.
	Command []string
	Timeout time.Duration
}

func (s CommandSimulator) Argv(req ExtendRequest) []string {
	argv := append([]string(nil), s.Command...)
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		argv = []string{"dynarun"}
	}
	argv = append(argv, req.Input, "-o", req.Output, "-c", strconv.FormatInt(req.Events, 10), "--out-data-file", req.Data)
	return append(argv, req.Plugins...)
}

func (s CommandSimulator) Extend(ctx context.Context, req ExtendRequest) error {
	return Run(ctx, Command{
		Argv:    s.Argv(req),
		Dir:     req.Dir,
		Log:     req.Log,
		LogPath: req.LogPath,
		Timeout: s.Timeout,
	})
}

// CommandSetup runs an argv template to build the start artifact.
// Placeholders: {output}, {dir}, {equil_events} and {<state variable>}.
// An exit status equal to SkipExitCode (when non-zero) skips the point.
type CommandSetup struct {
	Argv         []string
	SkipExitCode int
	Timeout      time.Duration
}

// Expand substitutes placeholders for req.
func (s CommandSetup) Expand(req SetupRequest) []string {
	pairs := []string{
		"{output}", req.Output,
		"{dir}", req.Dir,
		"{equil_events}", strconv.FormatFloat(req.EquilEvents, 'g', -1, 64),
	}
	for _, p := range req.Point.Pairs() {
		pairs = append(pairs, "{"+p.Name+"}", p.Value.String())
	}
	r := strings.NewReplacer(pairs...)
	out := make([]string, len(s.Argv))
	for i, a := range s.Argv {
		out[i] = r.Replace(a)
	}
	return out
}

func (s CommandSetup) Setup(ctx context.Context, req SetupRequest) SetupResult {
	if len(s.Argv) == 0 {
		return Failed(fmt.Errorf("no setup command configured"))
	}
	err := Run(ctx, Command{
		Argv:    s.Expand(req),
		Dir:     req.Dir,
		Log:     req.Log,
		LogPath: req.LogPath,
		Timeout: s.Timeout,
	})
	if err == nil {
		return Completed()
	}
	var pe *ProcessError
	if s.SkipExitCode != 0 && errors.As(err, &pe) && pe.ExitCode == s.SkipExitCode {
		return Skipped(fmt.Sprintf("setup exited with %d", pe.ExitCode))
	}
	return Failed(err)
}
