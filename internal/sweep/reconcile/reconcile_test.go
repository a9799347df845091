package reconcile

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/dynamomd/dynasweep/internal/sweep/artifact/artifacttest"
	"github.com/dynamomd/dynasweep/internal/sweep/rundir"
	"github.com/dynamomd/dynasweep/internal/sweep/state"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func makeDir(t *testing.T, root, name string, p state.Point, cfg *artifacttest.Config) string {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := state.SaveSnapshot(dir, p); err != nil {
		t.Fatal(err)
	}
	if cfg != nil {
		l := rundir.Layout{Ext: artifacttest.Ext}
		artifacttest.WriteConfig(t, l.StartConfig(dir), *cfg)
	}
	return dir
}

func loadPoint(t *testing.T, dir string) state.Point {
	t.Helper()
	p, err := state.LoadSnapshot(dir)
	if err != nil {
		t.Fatalf("load %s: %v", dir, err)
	}
	return p
}

func listNames(t *testing.T, root string) []string {
	t.Helper()
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	var out []string
	for _, e := range entries {
		out = append(out, e.Name())
	}
	return out
}

func TestReconcile_AddedVariableRenamesAndIsIdempotent(t *testing.T) {
	root := t.TempDir()
	cfg := &artifacttest.Config{N: 8, Box: [3]float64{2, 2, 2}}
	n8 := state.NewPoint(map[string]state.Value{"N": state.Num(8)})
	makeDir(t, root, "N_8_0", n8, cfg)
	makeDir(t, root, "N_8_1", n8, cfg)
	makeDir(t, root, "N_8_ndensity_1_0", state.NewPoint(map[string]state.Value{"N": state.Num(8), "ndensity": state.Num(1)}), cfg)
	if err := os.Mkdir(filepath.Join(root, "notes"), 0o755); err != nil {
		t.Fatal(err)
	}

	r := &Reconciler{
		Layout:   rundir.Layout{Root: root, Vars: []string{"N", "ndensity"}, Ext: artifacttest.Ext},
		Registry: state.Builtin(),
		Workers:  3,
	}
	rep, err := r.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if rep.Visited != 3 || rep.Updated != 2 || len(rep.Moves) != 2 {
		t.Fatalf("report=%+v", rep)
	}
	want := []string{"N_8_ndensity_1_0", "N_8_ndensity_1_1", "N_8_ndensity_1_2", "notes"}
	if diff := cmp.Diff(want, listNames(t, root)); diff != "" {
		t.Fatalf("dirs (-want +got):\n%s", diff)
	}
	got := loadPoint(t, filepath.Join(root, "N_8_ndensity_1_2"))
	if v, ok := got.Get("ndensity"); !ok || v.Num != 1 {
		t.Fatalf("ndensity not re-derived: %v", got)
	}

	rep, err = r.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if rep.Updated != 0 || len(rep.Moves) != 0 {
		t.Fatalf("second pass not stationary: %+v", rep)
	}
}

func TestReconcile_ArtifactsOverrideSnapshot(t *testing.T) {
	root := t.TempDir()
	stale := state.NewPoint(map[string]state.Value{"N": state.Num(10), "InitState": state.Str("SC")})
	makeDir(t, root, "InitState_SC_N_10_0", stale, &artifacttest.Config{N: 8})
	predates := state.NewPoint(map[string]state.Value{"N": state.Num(4)})
	makeDir(t, root, "N_4_0", predates, &artifacttest.Config{N: 4})

	r := &Reconciler{
		Layout:   rundir.Layout{Root: root, Vars: []string{"InitState", "N"}, Ext: artifacttest.Ext},
		Registry: state.Builtin(),
	}
	rep, err := r.Reconcile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Moves) != 2 {
		t.Fatalf("moves=%+v", rep.Moves)
	}
	want := []string{"InitState_FCC_N_4_0", "InitState_SC_N_8_0"}
	if diff := cmp.Diff(want, listNames(t, root)); diff != "" {
		t.Fatalf("dirs (-want +got):\n%s", diff)
	}
	p := loadPoint(t, filepath.Join(root, "InitState_SC_N_8_0"))
	if v, _ := p.Get("N"); v.Num != 8 {
		t.Fatalf("N=%v want 8 from the artifact", v)
	}
}

func TestReconcile_SkipsUnderivableDirectories(t *testing.T) {
	root := t.TempDir()
	makeDir(t, root, "orphan", state.NewPoint(map[string]state.Value{"N": state.Num(8)}), nil)

	r := &Reconciler{
		Layout:   rundir.Layout{Root: root, Vars: []string{"N", "Lambda"}, Ext: artifacttest.Ext},
		Registry: state.Builtin(),
	}
	rep, err := r.Reconcile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{filepath.Join(root, "orphan")}, rep.Skipped); diff != "" {
		t.Fatalf("skipped (-want +got):\n%s", diff)
	}
	if len(rep.Moves) != 0 {
		t.Fatalf("moves=%+v", rep.Moves)
	}
}

func TestReconcile_Select(t *testing.T) {
	root := t.TempDir()
	cfg := &artifacttest.Config{N: 8}
	n8 := state.NewPoint(map[string]state.Value{"N": state.Num(8)})
	makeDir(t, root, "a", n8, cfg)
	makeDir(t, root, "b", n8, cfg)

	r := &Reconciler{
		Layout:   rundir.Layout{Root: root, Vars: []string{"N"}, Ext: artifacttest.Ext},
		Registry: state.Builtin(),
		Select:   []string{"b"},
	}
	rep, err := r.Reconcile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]Move{{From: filepath.Join(root, "b"), To: filepath.Join(root, "N_8_0")}}, rep.Moves); diff != "" {
		t.Fatalf("moves (-want +got):\n%s", diff)
	}
}

func TestReconcile_KeepsUntrackedVariables(t *testing.T) {
	root := t.TempDir()
	cfg := &artifacttest.Config{N: 8, Box: [3]float64{2, 2, 2}}
	bcc := state.NewPoint(map[string]state.Value{"N": state.Num(8), "InitState": state.Str("BCC")})
	dir := makeDir(t, root, "InitState_BCC_N_8_0", bcc, cfg)

	narrow := &Reconciler{
		Layout:   rundir.Layout{Root: root, Vars: []string{"N"}, Ext: artifacttest.Ext},
		Registry: state.Builtin(),
	}
	rep, err := narrow.Reconcile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Updated != 0 || len(rep.Moves) != 1 {
		t.Fatalf("report=%+v", rep)
	}
	moved := filepath.Join(root, "N_8_0")
	if got := loadPoint(t, moved); !got.Equal(bcc) {
		t.Fatalf("snapshot=%s want %s", got, bcc)
	}

	wide := &Reconciler{
		Layout:   rundir.Layout{Root: root, Vars: []string{"InitState", "N"}, Ext: artifacttest.Ext},
		Registry: state.Builtin(),
	}
	if _, err := wide.Reconcile(context.Background()); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{filepath.Base(dir)}, listNames(t, root)); diff != "" {
		t.Fatalf("dirs (-want +got):\n%s", diff)
	}
}
