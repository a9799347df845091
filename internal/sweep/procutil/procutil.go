// Package procutil inspects process liveness and guards a workdir with a
// PID file.
package procutil

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// PIDAlive reports whether pid names a running process. Zombies left by a
// crashed sweep count as dead so their lock can be taken over.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if st, ok := procState(pid); ok && (st == 'Z' || st == 'X') {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// procState returns the one-letter scheduler state of pid, from procfs
// where mounted and from ps otherwise.
func procState(pid int) (byte, bool) {
	b, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err == nil {
		// The command name may contain spaces and parentheses.
		line := string(b)
		i := strings.LastIndexByte(line, ')')
		if i < 0 || i+2 >= len(line) {
			return 0, false
		}
		return line[i+2], true
	}
	if _, serr := os.Stat("/proc/self/stat"); serr == nil {
		return 0, false
	}
	out, err := exec.Command("ps", "-o", "state=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return 0, false
	}
	st := strings.TrimSpace(string(out))
	if st == "" {
		return 0, false
	}
	return st[0], true
}

// ErrLocked is returned by AcquirePIDFile when another live process holds
// the file.
var ErrLocked = errors.New("workdir is locked by another process")

// ReadPID parses a PID file. A missing file yields 0 and no error.
func ReadPID(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	raw := strings.TrimSpace(string(b))
	pid, err := strconv.Atoi(raw)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("parse %s: invalid pid %q", path, raw)
	}
	return pid, nil
}

// AcquirePIDFile records the current process in path. A file left behind by
// a dead process, or an unparseable one, is taken over.
func AcquirePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	self := os.Getpid()
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n", self)
			cerr := f.Close()
			return errors.Join(werr, cerr)
		}
		if !errors.Is(err, os.ErrExist) {
			return err
		}
		pid, _ := ReadPID(path)
		if pid == self {
			return nil
		}
		if pid > 0 && PIDAlive(pid) {
			return fmt.Errorf("%w (pid %d, %s)", ErrLocked, pid, path)
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return fmt.Errorf("%w (%s changed while acquiring)", ErrLocked, path)
}

// ReleasePIDFile removes path if it still names the current process.
func ReleasePIDFile(path string) error {
	pid, err := ReadPID(path)
	if err != nil || pid != os.Getpid() {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
