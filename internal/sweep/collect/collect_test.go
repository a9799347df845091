package collect

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/dynamomd/dynasweep/internal/sweep/artifact/artifacttest"
	"github.com/dynamomd/dynasweep/internal/sweep/observable"
	"github.com/dynamomd/dynasweep/internal/sweep/rundir"
	"github.com/dynamomd/dynasweep/internal/sweep/state"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var vars = []string{"N", "ndensity"}

func pt(n, density float64) state.Point {
	return state.NewPoint(map[string]state.Value{"N": state.Num(n), "ndensity": state.Num(density)})
}

// makeRun writes an equilibration step plus one production step per pressure.
func makeRun(t *testing.T, l rundir.Layout, p state.Point, restart int, pressures ...float64) string {
	t.Helper()
	dir := l.Dir(p, restart)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := state.SaveSnapshot(dir, p); err != nil {
		t.Fatal(err)
	}
	steps := append([]float64{-1}, pressures...)
	for i, pr := range steps {
		artifacttest.WriteConfig(t, l.Config(dir, i), artifacttest.Config{N: 10})
		body := ""
		if !math.IsNaN(pr) {
			body = fmt.Sprintf(`<Pressure Avg="%g"/>`, pr)
		}
		artifacttest.WriteOutput(t, l.Data(dir, i), artifacttest.Output{N: 10, Events: 100, Time: 1, Body: body})
	}
	return dir
}

func newCollector(t *testing.T, l rundir.Layout, names ...string) *Collector {
	t.Helper()
	set, err := observable.Builtin().Resolve(names, vars)
	if err != nil {
		t.Fatal(err)
	}
	return &Collector{Layout: l, Observables: set, EquilEvents: 10, Workers: 4}
}

func testLayout(t *testing.T) rundir.Layout {
	return rundir.Layout{Root: t.TempDir(), Vars: vars, Ext: artifacttest.Ext}
}

func TestCollect_MergesRestartsAndDropsEquilibration(t *testing.T) {
	l := testLayout(t)
	makeRun(t, l, pt(10, 0.5), 0, 1, 2, 3)
	makeRun(t, l, pt(10, 0.5), 1, 4, 5, 6)
	makeRun(t, l, pt(10, 0.6), 0, 7)

	res, err := newCollector(t, l, "p").Collect(context.Background(), vars)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	tab := res.Table()
	if len(tab.Rows) != 2 {
		t.Fatalf("rows=%d want 2", len(tab.Rows))
	}
	first := tab.Rows[0]
	if !first.Point.Equal(pt(10, 0.5)) {
		t.Fatalf("rows not sorted: first=%v", first.Point)
	}
	if first.Dirs != 2 || first.NEventsTot != 600 || first.TTotal != 6 {
		t.Fatalf("totals: dirs=%d events=%d t=%v", first.Dirs, first.NEventsTot, first.TTotal)
	}
	p := first.Values["p"].Scalar
	if p == nil || math.Abs(p.Mean-3.5) > 1e-12 {
		t.Fatalf("p=%+v want mean 3.5", p)
	}
	// Unit weights: stderr is the sample standard error of 1..6.
	if want := math.Sqrt(3.5 / 6); math.Abs(p.StdErr-want) > 1e-9 {
		t.Fatalf("stderr=%v want %v", p.StdErr, want)
	}
	if s := tab.Rows[1].Values["p"].Scalar; s == nil || s.Mean != 7 || !math.IsNaN(s.StdErr) {
		t.Fatalf("single observation row: %+v", s)
	}
}

func TestCollect_OrderIndependent(t *testing.T) {
	l := testLayout(t)
	for r := 0; r < 6; r++ {
		makeRun(t, l, pt(10, 0.5), r, float64(r), float64(r*r), 0.5)
	}
	sequential := newCollector(t, l, "p")
	sequential.Workers = 1
	a, err := sequential.Collect(context.Background(), vars)
	if err != nil {
		t.Fatal(err)
	}
	b, err := newCollector(t, l, "p").Collect(context.Background(), vars)
	if err != nil {
		t.Fatal(err)
	}
	sa := a.Table().Rows[0].Values["p"].Scalar
	sb := b.Table().Rows[0].Values["p"].Scalar
	if math.Abs(sa.Mean-sb.Mean) > 1e-12 || math.Abs(sa.StdErr-sb.StdErr) > 1e-12 {
		t.Fatalf("parallel result differs: %+v vs %+v", sa, sb)
	}
}

func TestCollect_ExtractionErrorDropsOnlyThatArtifact(t *testing.T) {
	l := testLayout(t)
	makeRun(t, l, pt(10, 0.5), 0, 2, math.NaN(), 4)

	res, err := newCollector(t, l, "p", "MSD").Collect(context.Background(), vars)
	if err != nil {
		t.Fatal(err)
	}
	row := res.Table().Rows[0]
	if s := row.Values["p"].Scalar; s == nil || s.Mean != 3 {
		t.Fatalf("p=%+v want mean 3 from two good artifacts", s)
	}
	if _, ok := row.Values["MSD"]; ok {
		t.Fatalf("MSD should be absent when never reported")
	}
	if row.NEventsTot != 300 {
		t.Fatalf("events=%d want 300", row.NEventsTot)
	}
}

func TestCollect_SkipsDirectories(t *testing.T) {
	l := testLayout(t)
	makeRun(t, l, pt(10, 0.5), 0, 1)
	if err := os.Mkdir(filepath.Join(l.Root, "empty"), 0o755); err != nil {
		t.Fatal(err)
	}
	noState := filepath.Join(l.Root, "nostate")
	if err := os.Mkdir(noState, 0o755); err != nil {
		t.Fatal(err)
	}
	artifacttest.WriteConfig(t, l.Config(noState, 0), artifacttest.Config{N: 10})
	if err := os.WriteFile(filepath.Join(l.Root, "stray.txt"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	var visited int
	c := newCollector(t, l, "p")
	c.OnDir = func(string) { visited++ }
	res, err := c.Collect(context.Background(), vars)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Entries) != 1 || visited != 3 {
		t.Fatalf("entries=%d visited=%d", len(res.Entries), visited)
	}
}

func TestCollect_OnlyAndSelect(t *testing.T) {
	l := testLayout(t)
	makeRun(t, l, pt(10, 0.5), 0, 1)
	makeRun(t, l, pt(20, 0.5), 0, 1)

	sp, err := state.Expand(state.Builtin(), []state.Group{{
		{Name: "N", Values: []state.Value{state.Num(20)}},
		{Name: "ndensity", Values: []state.Value{state.Num(0.5)}},
	}})
	if err != nil {
		t.Fatal(err)
	}
	c := newCollector(t, l, "p")
	c.Only = sp
	res, err := c.Collect(context.Background(), vars)
	if err != nil {
		t.Fatal(err)
	}
	if rows := res.Table().Rows; len(rows) != 1 || !rows[0].Point.Equal(pt(20, 0.5)) {
		t.Fatalf("only-current rows=%v", rows)
	}

	c = newCollector(t, l, "p")
	c.Select = []string{"N_10_*"}
	res, err = c.Collect(context.Background(), vars)
	if err != nil {
		t.Fatal(err)
	}
	if rows := res.Table().Rows; len(rows) != 1 || !rows[0].Point.Equal(pt(10, 0.5)) {
		t.Fatalf("selected rows=%v", rows)
	}

	c.Select = []string{"N_[10"}
	if _, err := c.Collect(context.Background(), vars); err == nil {
		t.Fatalf("invalid pattern accepted")
	}
}

func TestCollect_IgnoresUntrackedSnapshotVariables(t *testing.T) {
	l := testLayout(t)
	makeRun(t, l, pt(10, 0.5), 0, 2)
	makeRun(t, l, pt(10, 0.5).With("InitState", state.Str("BCC")), 1, 4)

	res, err := newCollector(t, l, "p").Collect(context.Background(), vars)
	if err != nil {
		t.Fatal(err)
	}
	rows := res.Table().Rows
	if len(rows) != 1 || !rows[0].Point.Equal(pt(10, 0.5)) || rows[0].Dirs != 2 {
		t.Fatalf("rows=%+v", rows)
	}
}

func TestTable_WriteCSV(t *testing.T) {
	l := testLayout(t)
	makeRun(t, l, pt(10, 0.5), 0, 1, 3)
	res, err := newCollector(t, l, "p", "MSD").Collect(context.Background(), vars)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := res.Table().WriteCSV(&buf); err != nil {
		t.Fatal(err)
	}
	recs, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	want := [][]string{
		{"N", "ndensity", "NEventsTot", "tTotal", "p", "p unc", "MSD", "MSD unc"},
		{"10", "0.5", "200", "2", "2", "1", "", ""},
	}
	if diff := cmp.Diff(want, recs); diff != "" {
		t.Fatalf("csv (-want +got):\n%s", diff)
	}
}

func TestTable_WriteSQLite(t *testing.T) {
	l := testLayout(t)
	makeRun(t, l, pt(10, 0.5), 0, 1, 3)
	makeRun(t, l, pt(20, 0.5), 0, 5)
	res, err := newCollector(t, l, "p").Collect(context.Background(), vars)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "results.db")
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := res.Table().WriteSQLite(ctx, path, ""); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM results`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("rows=%d want 2", count)
	}
	var mean float64
	var unc sql.NullFloat64
	if err := db.QueryRowContext(ctx, `SELECT "p", "p unc" FROM results WHERE "N" = 20`).Scan(&mean, &unc); err != nil {
		t.Fatal(err)
	}
	if mean != 5 || unc.Valid {
		t.Fatalf("p=%v unc=%v, want 5 and NULL", mean, unc)
	}
}

func TestRaw_RoundTrip(t *testing.T) {
	l := testLayout(t)
	makeRun(t, l, pt(10, 0.5), 0, 1, 3)
	makeRun(t, l, pt(10, 0.5), 1, 2)
	res, err := newCollector(t, l, "p").Collect(context.Background(), vars)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "sweep.raw_data.msgpack")
	if err := SaveRaw(path, res); err != nil {
		t.Fatalf("save: %v", err)
	}
	back, err := LoadRaw(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	var a, b bytes.Buffer
	if err := res.Table().WriteCSV(&a); err != nil {
		t.Fatal(err)
	}
	if err := back.Table().WriteCSV(&b); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(a.String(), b.String()); diff != "" {
		t.Fatalf("table after reload (-want +got):\n%s", diff)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	raw[len(raw)-1] ^= 0xff
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadRaw(path); err == nil {
		t.Fatalf("corrupted snapshot accepted")
	}
}
