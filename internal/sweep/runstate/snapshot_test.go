package runstate

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

func write(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadSnapshot_FinalWinsOverLive(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, FinalFile, `{"status":"fail","run_id":"r1","phase":"run","failure_reason":"2 tasks failed","stats":{"total":6,"succeeded":4,"failed":2}}`)
	write(t, dir, LiveFile, `{"event":"task_started","run_id":"r2","chain":"N=8 restart=0"}`)

	s, err := LoadSnapshot(dir)
	if err != nil {
		t.Fatal(err)
	}
	if s.State != StateFail || s.RunID != "r1" || s.FailureReason != "2 tasks failed" {
		t.Fatalf("snapshot=%+v", s)
	}
	if s.LastEvent != "" || s.Progress.Failed != 2 || s.Progress.Total != 6 {
		t.Fatalf("live leaked into terminal snapshot: %+v", s)
	}
}

func TestLoadSnapshot_ProgressFallback(t *testing.T) {
	dir := t.TempDir()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	write(t, dir, ProgressFile, `{"event":"task_started","run_id":"r1"}

{"event":"task_succeeded","run_id":"r1","phase":"run","chain":"N=8 restart=1","ts":"`+ts.Format(time.RFC3339Nano)+`","stats":{"total":4,"running":1,"succeeded":2}}
`)
	write(t, dir, PIDFile, strconv.Itoa(os.Getpid()))

	s, err := LoadSnapshot(dir)
	if err != nil {
		t.Fatal(err)
	}
	if s.State != StateRunning || !s.PIDAlive || s.PID != os.Getpid() {
		t.Fatalf("state=%v alive=%v pid=%d", s.State, s.PIDAlive, s.PID)
	}
	if s.LastEvent != "task_succeeded" || s.CurrentChain != "N=8 restart=1" || !s.LastEventAt.Equal(ts) {
		t.Fatalf("snapshot=%+v", s)
	}
	if s.Progress != (Progress{Total: 4, Running: 1, Succeeded: 2}) {
		t.Fatalf("progress=%+v", s.Progress)
	}
}

func TestLoadSnapshot_Errors(t *testing.T) {
	if _, err := LoadSnapshot(" "); err == nil {
		t.Fatalf("empty workdir accepted")
	}
	dir := t.TempDir()
	write(t, dir, PIDFile, "nope")
	if _, err := LoadSnapshot(dir); err == nil {
		t.Fatalf("invalid pid accepted for a non-terminal run")
	}
	write(t, dir, FinalFile, `{"status":"success"}`)
	s, err := LoadSnapshot(dir)
	if err != nil || s.State != StateSuccess {
		t.Fatalf("state=%v err=%v", s, err)
	}
}

func TestLoadSnapshot_Empty(t *testing.T) {
	s, err := LoadSnapshot(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if s.State != StateUnknown || s.PID != 0 {
		t.Fatalf("snapshot=%+v", s)
	}
}
