package rundir

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// ProcessError is a non-zero exit (or failure to start) of an external
// command. The command's output is in LogPath.
type ProcessError struct {
	Argv     []string
	ExitCode int
	LogPath  string
	Err      error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("command %q failed (exit %d): %v; see log %q", strings.Join(e.Argv, " "), e.ExitCode, e.Err, e.LogPath)
}

func (e *ProcessError) Unwrap() error { return e.Err }

// Command is one external process invocation.
type Command struct {
	Argv    []string
	Dir     string
	Log     io.Writer
	LogPath string
	// Timeout kills the process group on expiry; zero means none.
	Timeout time.Duration
}

// Run executes c with stdout and stderr appended to c.Log.
func Run(ctx context.Context, c Command) error {
	if len(c.Argv) == 0 {
		return fmt.Errorf("empty command")
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
	cmd.Dir = c.Dir
	// Own process group so cancellation takes the whole tree with it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 3 * time.Second
	cmd.Stdout = c.Log
	cmd.Stderr = c.Log

	err := cmd.Run()
	if err == nil {
		return nil
	}
	code := -1
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		code = ee.ExitCode()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = fmt.Errorf("%w (%v)", ctxErr, err)
	}
	return &ProcessError{Argv: append([]string(nil), c.Argv...), ExitCode: code, LogPath: c.LogPath, Err: err}
}
