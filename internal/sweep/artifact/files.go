package artifact

import (
	"fmt"
	"strconv"
	"strings"
)

// Document is a parsed artifact.
type Document struct {
	Path string
	Root *Node
}

// Load decompresses and parses path.
func Load(path string) (*Document, error) {
	rc, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	root, err := Parse(rc)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &Document{Path: path, Root: root}, nil
}

// Validate reports whether path is a readable, well-formed artifact.
func Validate(path string) error {
	_, err := Load(path)
	return err
}

// ConfigFile is a simulator configuration artifact.
type ConfigFile struct {
	*Document
}

func LoadConfig(path string) (*ConfigFile, error) {
	d, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &ConfigFile{Document: d}, nil
}

// N is the number of particles.
func (c *ConfigFile) N() int {
	return len(c.Root.FindAll("Pt"))
}

// Dimensions returns the primary image size.
func (c *ConfigFile) Dimensions() ([3]float64, error) {
	var dims [3]float64
	n := c.Root.Find("SimulationSize")
	if n == nil {
		return dims, fmt.Errorf("%s: missing <SimulationSize>", c.Path)
	}
	for i, axis := range []string{"x", "y", "z"} {
		f, err := n.FloatAttr(axis)
		if err != nil {
			return dims, fmt.Errorf("%s: %w", c.Path, err)
		}
		dims[i] = f
	}
	return dims, nil
}

func (c *ConfigFile) Volume() (float64, error) {
	d, err := c.Dimensions()
	if err != nil {
		return 0, err
	}
	return d[0] * d[1] * d[2], nil
}

// NumberDensity is N over the primary image volume.
func (c *ConfigFile) NumberDensity() (float64, error) {
	v, err := c.Volume()
	if err != nil {
		return 0, err
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s: non-positive volume %v", c.Path, v)
	}
	return float64(c.N()) / v, nil
}

// OutputFile is a simulator output artifact.
type OutputFile struct {
	*Document
}

func LoadOutput(path string) (*OutputFile, error) {
	d, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &OutputFile{Document: d}, nil
}

// N is the particle count recorded by the simulator.
func (o *OutputFile) N() (int, error) {
	return o.intAttr("ParticleCount", "val")
}

// Events is the number of events executed during the run.
func (o *OutputFile) Events() (int64, error) {
	n := o.Root.Find("Duration")
	if n == nil {
		return 0, fmt.Errorf("%s: missing <Duration>", o.Path)
	}
	raw, ok := n.Attr("Events")
	if !ok {
		return 0, fmt.Errorf("%s: <Duration> has no Events", o.Path)
	}
	ev, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: Events: %w", o.Path, err)
	}
	return ev, nil
}

// Time is the simulated duration of the run.
func (o *OutputFile) Time() (float64, error) {
	n := o.Root.Find("Duration")
	if n == nil {
		return 0, fmt.Errorf("%s: missing <Duration>", o.Path)
	}
	t, err := n.FloatAttr("Time")
	if err != nil {
		return 0, fmt.Errorf("%s: %w", o.Path, err)
	}
	return t, nil
}

func (o *OutputFile) intAttr(tag, attr string) (int, error) {
	n := o.Root.Find(tag)
	if n == nil {
		return 0, fmt.Errorf("%s: missing <%s>", o.Path, tag)
	}
	raw, ok := n.Attr(attr)
	if !ok {
		return 0, fmt.Errorf("%s: <%s> has no %s", o.Path, tag, attr)
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%s: <%s %s>: %w", o.Path, tag, attr, err)
	}
	return v, nil
}
