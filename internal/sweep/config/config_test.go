package config

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/dynamomd/dynasweep/internal/sweep/state"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_YAMLDefaultsAndPaths(t *testing.T) {
	path := writeFile(t, "sweep.yaml", `
sweeps:
  - - var: N
      values: [1372]
    - var: ndensity
      values: [0.5, 0.6]
  - - var: InitState
      values: [FCC]
observables: [p, u]
run:
  equil_events: 100
  run_events: 1000
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	dir := filepath.Dir(path)
	if cfg.Version != 1 || cfg.Restarts != 1 || cfg.Processes != runtime.NumCPU() {
		t.Fatalf("defaults: %+v", cfg)
	}
	if cfg.Workdir != filepath.Join(dir, "runs") || cfg.Collect.OutputCSV != filepath.Join(dir, "runs.csv") {
		t.Fatalf("paths: workdir=%q csv=%q", cfg.Workdir, cfg.Collect.OutputCSV)
	}
	if cfg.Run.BlockEvents != 1000 {
		t.Fatalf("block_events=%v want run_events", cfg.Run.BlockEvents)
	}
	if diff := cmp.Diff([]string{"dynarun"}, cfg.Simulator.RunCommand); diff != "" {
		t.Fatalf("run_command (-want +got):\n%s", diff)
	}
	if cfg.Simulator.ArtifactExt != "xml.bz2" || cfg.Collect.SQLiteTable != "results" {
		t.Fatalf("simulator=%+v collect=%+v", cfg.Simulator, cfg.Collect)
	}

	groups, err := cfg.SweepGroups()
	if err != nil {
		t.Fatal(err)
	}
	want := []state.Group{
		{
			{Name: "N", Values: []state.Value{state.Num(1372)}},
			{Name: "ndensity", Values: []state.Value{state.Num(0.5), state.Num(0.6)}},
		},
		{{Name: "InitState", Values: []state.Value{state.Str("FCC")}}},
	}
	if diff := cmp.Diff(want, groups); diff != "" {
		t.Fatalf("groups (-want +got):\n%s", diff)
	}
}

func TestLoad_JSON(t *testing.T) {
	path := writeFile(t, "sweep.json", `{
  "workdir": "/data/sw",
  "restarts": 3,
  "sweeps": [[{"var": "PhiT", "values": [0.1, "inf"]}]],
  "run": {"equil_events": 10, "run_events": 100, "block_events": 25},
  "simulator": {"setup_command": ["dynamod", "-o", "{output}"], "skip_exit_code": 3, "step_timeout": "90s", "artifact_ext": ".xml.gz"},
  "collect": {"only_current": true, "output_sqlite": "out.db", "raw_snapshot": true}
}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Workdir != "/data/sw" || cfg.Restarts != 3 || cfg.Run.BlockEvents != 25 {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.StepTimeout() != 90*time.Second {
		t.Fatalf("timeout=%v", cfg.StepTimeout())
	}
	if cfg.Simulator.SkipExitCode == nil || *cfg.Simulator.SkipExitCode != 3 {
		t.Fatalf("skip_exit_code=%v", cfg.Simulator.SkipExitCode)
	}
	if cfg.Simulator.ArtifactExt != "xml.gz" {
		t.Fatalf("ext=%q", cfg.Simulator.ArtifactExt)
	}
	if cfg.Collect.OutputSQLite != filepath.Join(filepath.Dir(path), "out.db") || !cfg.Collect.OnlyCurrent || !cfg.Collect.RawSnapshot {
		t.Fatalf("collect=%+v", cfg.Collect)
	}
}

func TestLoad_Rejects(t *testing.T) {
	cases := map[string]struct {
		name, body string
	}{
		"unknown yaml field":   {"a.yaml", "sweeps: [[{var: N, values: [1]}]]\nbogus: 1\n"},
		"unknown json field":   {"a.json", `{"sweeps": [[{"var": "N", "values": [1]}]], "bogus": 1}`},
		"two documents":        {"a.yaml", "sweeps: [[{var: N, values: [1]}]]\n---\nsweeps: []\n"},
		"missing sweeps":       {"a.yaml", "restarts: 2\n"},
		"empty values":         {"a.yaml", "sweeps: [[{var: N, values: []}]]\n"},
		"zero restarts":        {"a.yaml", "restarts: 0\nsweeps: [[{var: N, values: [1]}]]\n"},
		"nested value":         {"a.yaml", "sweeps: [[{var: N, values: [[1]]}]]\n"},
		"bad timeout":          {"a.yaml", "sweeps: [[{var: N, values: [1]}]]\nsimulator: {step_timeout: soon}\n"},
		"empty run executable": {"a.yaml", "sweeps: [[{var: N, values: [1]}]]\nsimulator: {run_command: [\"\"]}\n"},
		"wrong version":        {"a.yaml", "version: 2\nsweeps: [[{var: N, values: [1]}]]\n"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, tc.name, tc.body))
			if !errors.Is(err, state.ErrConfig) {
				t.Fatalf("err=%v want ErrConfig", err)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); !errors.Is(err, state.ErrConfig) {
		t.Fatalf("err=%v", err)
	}
}

func TestLoad_InfinitePhiTDerivesInfiniteRso(t *testing.T) {
	cases := map[string]struct {
		name, body string
	}{
		"yaml .inf":   {"a.yaml", "sweeps: [[{var: ndensity, values: [0.5]}, {var: PhiT, values: [.inf]}]]\n"},
		"yaml inf":    {"a.yaml", "sweeps: [[{var: ndensity, values: [0.5]}, {var: PhiT, values: [inf]}]]\n"},
		"json string": {"a.json", `{"sweeps": [[{"var": "ndensity", "values": [0.5]}, {"var": "PhiT", "values": ["inf"]}]]}`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg, err := Load(writeFile(t, tc.name, tc.body))
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			groups, err := cfg.SweepGroups()
			if err != nil {
				t.Fatal(err)
			}
			sp, err := state.Expand(state.Builtin(), groups)
			if err != nil {
				t.Fatalf("expand: %v", err)
			}
			if len(sp.Points) != 1 {
				t.Fatalf("points=%d", len(sp.Points))
			}
			phiT, _ := sp.Points[0].Get("PhiT")
			rso, ok := sp.Points[0].Get("Rso")
			if !ok || !math.IsInf(rso.Num, 1) || !math.IsInf(phiT.Num, 1) {
				t.Fatalf("point=%s want PhiT=inf Rso=inf", sp.Points[0])
			}
		})
	}
}
