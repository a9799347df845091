// Package runstate summarizes the state of a sweep workdir from the files the
// engine leaves behind.
package runstate

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dynamomd/dynasweep/internal/sweep/procutil"
)

const (
	FinalFile    = "final.json"
	LiveFile     = "live.json"
	ProgressFile = "progress.ndjson"
	PIDFile      = "run.pid"
)

type State string

const (
	StateUnknown State = "unknown"
	StateRunning State = "running"
	StateSuccess State = "success"
	StateFail    State = "fail"
)

// Progress mirrors the task counters carried by progress events.
type Progress struct {
	Total     int `json:"total"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// Snapshot is a compact view of one workdir.
type Snapshot struct {
	Workdir       string    `json:"workdir"`
	State         State     `json:"state"`
	RunID         string    `json:"run_id,omitempty"`
	Phase         string    `json:"phase,omitempty"`
	LastEvent     string    `json:"last_event,omitempty"`
	LastEventAt   time.Time `json:"last_event_at,omitempty"`
	CurrentChain  string    `json:"current_chain,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	Progress      Progress  `json:"progress"`
	PID           int       `json:"pid,omitempty"`
	PIDAlive      bool      `json:"pid_alive"`
}

type finalOutcomeDoc struct {
	Status        string    `json:"status"`
	RunID         string    `json:"run_id"`
	Phase         string    `json:"phase"`
	FailureReason string    `json:"failure_reason"`
	Stats         *Progress `json:"stats"`
}

// LoadSnapshot reads the run files in workdir.
func LoadSnapshot(workdir string) (*Snapshot, error) {
	root := strings.TrimSpace(workdir)
	if root == "" {
		return nil, fmt.Errorf("workdir is required")
	}

	s := &Snapshot{
		Workdir: root,
		State:   StateUnknown,
	}

	if err := applyFinalOutcome(s); err != nil {
		return nil, err
	}
	terminal := s.State == StateSuccess || s.State == StateFail

	// A terminal final.json wins over the activity feeds.
	if !terminal {
		if err := applyLiveOrProgress(s); err != nil {
			return nil, err
		}
	}

	if err := applyPIDFile(s, terminal); err != nil {
		return nil, err
	}
	if s.State == StateUnknown && s.PIDAlive {
		s.State = StateRunning
	}
	return s, nil
}

func applyFinalOutcome(s *Snapshot) error {
	path := filepath.Join(s.Workdir, FinalFile)
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	var doc finalOutcomeDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}

	if rid := strings.TrimSpace(doc.RunID); rid != "" {
		s.RunID = rid
	}
	s.Phase = strings.TrimSpace(doc.Phase)
	if doc.Stats != nil {
		s.Progress = *doc.Stats
	}
	switch strings.ToLower(strings.TrimSpace(doc.Status)) {
	case string(StateSuccess):
		s.State = StateSuccess
	case string(StateFail):
		s.State = StateFail
		if reason := strings.TrimSpace(doc.FailureReason); reason != "" {
			s.FailureReason = reason
		}
	}
	return nil
}

func applyLiveOrProgress(s *Snapshot) error {
	live, found, err := readLiveEvent(filepath.Join(s.Workdir, LiveFile))
	if err != nil {
		return err
	}
	if !found {
		live, found, err = readLastProgressEvent(filepath.Join(s.Workdir, ProgressFile))
		if err != nil {
			return err
		}
	}
	if !found {
		return nil
	}

	if rid := eventString(live["run_id"]); rid != "" && s.RunID == "" {
		s.RunID = rid
	}
	s.LastEvent = eventString(live["event"])
	s.Phase = eventString(live["phase"])
	s.CurrentChain = eventString(live["chain"])
	if ts := parseEventTime(live["ts"]); !ts.IsZero() {
		s.LastEventAt = ts
	}
	if reason := eventString(live["error"]); reason != "" {
		s.FailureReason = reason
	}
	if st, ok := live["stats"].(map[string]any); ok {
		s.Progress = Progress{
			Total:     eventInt(st["total"]),
			Running:   eventInt(st["running"]),
			Succeeded: eventInt(st["succeeded"]),
			Skipped:   eventInt(st["skipped"]),
			Failed:    eventInt(st["failed"]),
		}
	}
	return nil
}

func applyPIDFile(s *Snapshot, terminalState bool) error {
	path := filepath.Join(s.Workdir, PIDFile)
	pid, err := procutil.ReadPID(path)
	if err != nil {
		if terminalState {
			return nil
		}
		return err
	}
	if pid == 0 {
		return nil
	}
	s.PID = pid
	s.PIDAlive = procutil.PIDAlive(pid)
	return nil
}

func readLiveEvent(path string) (map[string]any, bool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var ev map[string]any
	if err := json.Unmarshal(b, &ev); err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", path, err)
	}
	return ev, true, nil
}

func readLastProgressEvent(path string) (map[string]any, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	last := ""
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" {
			last = line
		}
	}
	if err := sc.Err(); err != nil {
		return nil, false, err
	}
	if last == "" {
		return nil, false, nil
	}

	var ev map[string]any
	if err := json.Unmarshal([]byte(last), &ev); err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", path, err)
	}
	return ev, true, nil
}

func eventString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func eventInt(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case string:
		n, _ := strconv.Atoi(strings.TrimSpace(t))
		return n
	default:
		return 0
	}
}

func parseEventTime(v any) time.Time {
	raw := eventString(v)
	if raw == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts
	}
	return time.Time{}
}
