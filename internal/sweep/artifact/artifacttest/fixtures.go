// Package artifacttest writes small simulator artifacts for tests.
package artifacttest

import (
	"fmt"
	"strings"
	"testing"

	"github.com/dynamomd/dynasweep/internal/sweep/artifact"
)

// Ext is the artifact extension used by fixtures. bzip2 cannot be written.
const Ext = "xml.gz"

// Config describes a configuration artifact.
type Config struct {
	N   int
	Box [3]float64
	// Optional tagged parameters; zero means the tag is absent.
	Lambda      float64
	SODiameter  float64
	Temperature float64
}

func (c Config) XML() string {
	box := c.Box
	if box == [3]float64{} {
		box = [3]float64{1, 1, 1}
	}
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?>` + "\n<DynamOconfig>\n<Simulation>\n")
	fmt.Fprintf(&b, `<SimulationSize x="%g" y="%g" z="%g"/>`+"\n", box[0], box[1], box[2])
	b.WriteString("</Simulation>\n<Dynamics>\n<Interactions>\n")
	if c.Lambda != 0 {
		fmt.Fprintf(&b, `<Interaction Type="SquareWell" Name="Bulk" Lambda="%g" Diameter="1"/>`+"\n", c.Lambda)
	} else {
		b.WriteString(`<Interaction Type="HardSphere" Name="Bulk" Diameter="1"/>` + "\n")
	}
	b.WriteString("</Interactions>\n<Globals>\n")
	if c.SODiameter != 0 {
		fmt.Fprintf(&b, `<Global Type="SOCells" Name="SOCells" Diameter="%g"/>`+"\n", c.SODiameter)
	}
	b.WriteString("</Globals>\n<Systems>\n")
	if c.Temperature != 0 {
		fmt.Fprintf(&b, `<System Type="Andersen" Name="Thermostat" Temperature="%g"/>`+"\n", c.Temperature)
	}
	b.WriteString("</Systems>\n</Dynamics>\n<ParticleData>\n")
	for i := 0; i < c.N; i++ {
		fmt.Fprintf(&b, `<Pt ID="%d"><P x="0" y="0" z="0"/><V x="0" y="0" z="0"/></Pt>`+"\n", i)
	}
	b.WriteString("</ParticleData>\n</DynamOconfig>\n")
	return b.String()
}

// Output describes an output (data) artifact.
type Output struct {
	N      int
	Events int64
	Time   float64
	// Body is raw XML appended inside <OutputData>.
	Body string
}

func (o Output) XML() string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?>` + "\n<OutputData>\n<Misc>\n")
	fmt.Fprintf(&b, `<ParticleCount val="%d"/>`+"\n", o.N)
	fmt.Fprintf(&b, `<Duration Events="%d" Time="%g"/>`+"\n", o.Events, o.Time)
	b.WriteString("</Misc>\n")
	b.WriteString(o.Body)
	b.WriteString("\n</OutputData>\n")
	return b.String()
}

// WriteConfig writes c to path.
func WriteConfig(t testing.TB, path string, c Config) {
	t.Helper()
	if err := artifact.WriteFile(path, []byte(c.XML())); err != nil {
		t.Fatalf("write config %s: %v", path, err)
	}
}

// WriteOutput writes o to path.
func WriteOutput(t testing.TB, path string, o Output) {
	t.Helper()
	if err := artifact.WriteFile(path, []byte(o.XML())); err != nil {
		t.Fatalf("write output %s: %v", path, err)
	}
}

// WriteCorrupt writes bytes that are not a valid compressed artifact.
func WriteCorrupt(t testing.TB, path string) {
	t.Helper()
	if err := artifact.WriteFile(path, []byte("<DynamOconfig><Simulation>")); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
