package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

const testSweep = `
workdir: runs
restarts: 2
sweeps:
  - - var: N
      values: [8, 16]
run:
  equil_events: 1
  run_events: 20
  block_events: 10
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sweep.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func runApp(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	a := &app{stdout: &stdout, stderr: &stderr, logger: zap.NewNop()}
	code := a.execute(args)
	return code, stdout.String(), stderr.String()
}

func TestValidate_PrintsSweepSize(t *testing.T) {
	path := writeConfig(t, testSweep)
	code, out, errOut := runApp(t, "validate", "--no-preflight", "-c", path)
	if code != 0 {
		t.Fatalf("exit=%d stderr=%s", code, errOut)
	}
	if !strings.Contains(out, "vars=[N]\n") || !strings.Contains(out, "points=2 chains=4 tasks=8\n") {
		t.Fatalf("stdout:\n%s", out)
	}
}

func TestValidate_ConfigErrorExitCode(t *testing.T) {
	path := writeConfig(t, "sweeps: [[{var: N, values: [1]}]]\nbogus: true\n")
	code, _, errOut := runApp(t, "validate", "-c", path)
	if code != exitConfig {
		t.Fatalf("exit=%d want %d stderr=%s", code, exitConfig, errOut)
	}
	if !strings.Contains(errOut, "configuration error") {
		t.Fatalf("stderr=%q", errOut)
	}
}

func TestValidate_PreflightMissingSetup(t *testing.T) {
	path := writeConfig(t, testSweep+"simulator:\n  run_command: [sh]\n")
	code, _, errOut := runApp(t, "validate", "-c", path)
	if code != exitConfig || !strings.Contains(errOut, "setup_command") {
		t.Fatalf("exit=%d stderr=%s", code, errOut)
	}
}

func TestStatus_ReadsFinalOutcome(t *testing.T) {
	workdir := t.TempDir()
	final := `{"status":"fail","run_id":"01J","phase":"run","failure_reason":"2 task(s) failed","stats":{"total":8,"succeeded":6,"failed":2}}`
	if err := os.WriteFile(filepath.Join(workdir, "final.json"), []byte(final), 0o644); err != nil {
		t.Fatal(err)
	}
	code, out, errOut := runApp(t, "status", workdir)
	if code != 0 {
		t.Fatalf("exit=%d stderr=%s", code, errOut)
	}
	for _, want := range []string{
		"state=fail\n",
		"run_id=01J\n",
		"phase=run\n",
		"tasks=8 running=0 succeeded=6 skipped=0 failed=2\n",
		"failure_reason=2 task(s) failed\n",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}

func TestStatus_DefaultsToConfigWorkdir(t *testing.T) {
	path := writeConfig(t, testSweep)
	code, out, errOut := runApp(t, "status", "--json", "-c", path)
	if code != 0 {
		t.Fatalf("exit=%d stderr=%s", code, errOut)
	}
	want := `"workdir": "` + filepath.Join(filepath.Dir(path), "runs") + `"`
	if !strings.Contains(out, want) || !strings.Contains(out, `"state": "unknown"`) {
		t.Fatalf("stdout:\n%s", out)
	}
}

func TestCollect_EmptyWorkdir(t *testing.T) {
	path := writeConfig(t, testSweep)
	dir := filepath.Dir(path)
	if err := os.Mkdir(filepath.Join(dir, "runs"), 0o755); err != nil {
		t.Fatal(err)
	}
	code, out, errOut := runApp(t, "collect", "-c", path)
	if code != 0 {
		t.Fatalf("exit=%d stderr=%s", code, errOut)
	}
	csvPath := filepath.Join(dir, "runs.csv")
	if !strings.Contains(out, "rows=0\n") || !strings.Contains(out, "csv="+csvPath+"\n") {
		t.Fatalf("stdout:\n%s", out)
	}
	b, err := os.ReadFile(csvPath)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(b); got != "N,NEventsTot,tTotal\n" {
		t.Fatalf("csv=%q", got)
	}
}
