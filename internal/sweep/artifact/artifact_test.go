package artifact_test

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dynamomd/dynasweep/internal/sweep/artifact"
	"github.com/dynamomd/dynasweep/internal/sweep/artifact/artifacttest"
)

func TestOpen_RoundTripsCodecs(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.xml", "a.xml.gz", "a.xml.zst"} {
		path := filepath.Join(dir, name)
		if err := artifact.WriteFile(path, []byte("<a/>")); err != nil {
			t.Fatalf("%s: write: %v", name, err)
		}
		doc, err := artifact.Load(path)
		if err != nil {
			t.Fatalf("%s: load: %v", name, err)
		}
		if doc.Root.Name != "a" {
			t.Fatalf("%s: root=%q", name, doc.Root.Name)
		}
	}
}

func TestCreate_RejectsBzip2(t *testing.T) {
	if _, err := artifact.Create(filepath.Join(t.TempDir(), "a.xml.bz2")); err == nil {
		t.Fatalf("expected error")
	}
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.xml.gz")
	artifacttest.WriteConfig(t, good, artifacttest.Config{N: 2})
	if err := artifact.Validate(good); err != nil {
		t.Fatalf("good: %v", err)
	}

	truncated := filepath.Join(dir, "truncated.xml.gz")
	artifacttest.WriteCorrupt(t, truncated)
	if err := artifact.Validate(truncated); err == nil {
		t.Fatalf("truncated XML should be invalid")
	}

	notCompressed := filepath.Join(dir, "plain.xml.gz")
	if err := os.WriteFile(notCompressed, []byte("<a/>"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := artifact.Validate(notCompressed); err == nil {
		t.Fatalf("gzip suffix without gzip content should be invalid")
	}

	if err := artifact.Validate(filepath.Join(dir, "missing.xml.gz")); err == nil {
		t.Fatalf("missing file should be invalid")
	}
}

func TestFind_Paths(t *testing.T) {
	root, err := artifact.Parse(strings.NewReader(`
<R>
  <A Type="x" v="1"><B v="2"/></A>
  <A Type="y" v="3"><B v="4"/><B v="5"/></A>
  <C><A Type="x" v="6"/></C>
</R>`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := len(root.FindAll("A")); got != 3 {
		t.Fatalf("A: got %d", got)
	}
	if got := len(root.FindAll(`A[@Type="x"]`)); got != 2 {
		t.Fatalf(`A[@Type="x"]: got %d`, got)
	}
	if got := len(root.FindAll("A/B")); got != 3 {
		t.Fatalf("A/B: got %d", got)
	}
	n := root.Find(`A[@Type="y"]/B`)
	if n == nil {
		t.Fatalf("expected a match")
	}
	if v, _ := n.FloatAttr("v"); v != 4 {
		t.Fatalf("first match v=%v want 4", v)
	}
	if root.Find(`A[@Type="z"]`) != nil {
		t.Fatalf("unexpected match")
	}
	if got := len(root.FindAll("*[@v]")); got != 6 {
		t.Fatalf("*[@v]: got %d", got)
	}
}

func TestParse_IndentedNestedDocument(t *testing.T) {
	root, err := artifact.Parse(strings.NewReader(`<?xml version="1.0"?>
<DynamOconfig>
  <Simulation>
    <SimulationSize x="1" y="2" z="3"/>
    <Genus>
      <Species Name="Bulk">
        <IDRange Type="All"/>
      </Species>
    </Genus>
  </Simulation>
  <Properties/>
  <ParticleData>
    <Pt ID="0">
      <P x="0" y="0" z="0"/>
    </Pt>
    <Pt ID="1">
      <P x="1" y="1" z="1"/>
    </Pt>
  </ParticleData>
  <Note>
    hello
    <Sub>world</Sub>
    again
  </Note>
</DynamOconfig>
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := len(root.FindAll("ParticleData/Pt")); got != 2 {
		t.Fatalf("Pt: got %d", got)
	}
	if n := root.Find("Simulation/Genus/Species/IDRange"); n == nil || n.Attrs["Type"] != "All" {
		t.Fatalf("IDRange: %+v", n)
	}
	note := root.Find("Note")
	if got := strings.Fields(note.Text); strings.Join(got, " ") != "hello again" {
		t.Fatalf("note text=%q", note.Text)
	}
	if got := root.Find("Note/Sub").Text; got != "world" {
		t.Fatalf("sub text=%q", got)
	}
	for _, path := range []string{"//Pt", ".//Pt", "Pt"} {
		if got := len(root.FindAll(path)); got != 2 {
			t.Fatalf("%s: got %d", path, got)
		}
	}
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "start.config.xml.zst")
	if err := artifact.WriteFile(path, []byte(artifacttest.Config{N: 4, Box: [3]float64{2, 1, 1}}.XML())); err != nil {
		t.Fatal(err)
	}
	cfg, err := artifact.LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.N() != 4 {
		t.Fatalf("N=%d", cfg.N())
	}
	n, err := cfg.NumberDensity()
	if err != nil {
		t.Fatalf("density: %v", err)
	}
	if math.Abs(n-2) > 1e-12 {
		t.Fatalf("density=%v want 2", n)
	}
}

func TestOutputFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "1.data.xml.gz")
	artifacttest.WriteOutput(t, path, artifacttest.Output{N: 10, Events: 5000, Time: 2.5})
	out, err := artifact.LoadOutput(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if n, err := out.N(); err != nil || n != 10 {
		t.Fatalf("N=%d err=%v", n, err)
	}
	if ev, err := out.Events(); err != nil || ev != 5000 {
		t.Fatalf("Events=%d err=%v", ev, err)
	}
	if tm, err := out.Time(); err != nil || tm != 2.5 {
		t.Fatalf("Time=%v err=%v", tm, err)
	}
}
