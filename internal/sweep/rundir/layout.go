// Package rundir owns the on-disk layout of run directories and the
// idempotent setup/equilibration/extension steps executed inside them.
package rundir

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/dynamomd/dynasweep/internal/sweep/artifact"
	"github.com/dynamomd/dynasweep/internal/sweep/state"
)

const (
	DefaultExt = "xml.bz2"
	LogFile    = "run.log"
)

// Layout maps state points and restart indices to directories.
type Layout struct {
	Root string
	// Vars is the ordered list of tracked state variables used for naming.
	Vars []string
	// Ext is the artifact extension without the leading dot.
	Ext string
}

func (l Layout) ext() string {
	if strings.TrimSpace(l.Ext) == "" {
		return DefaultExt
	}
	return strings.TrimPrefix(l.Ext, ".")
}

// Name renders p as var<sep>... in tracked-variable order.
func (l Layout) Name(p state.Point, sep string) string {
	parts := make([]string, 0, len(l.Vars))
	for _, name := range l.Vars {
		v, ok := p.Get(name)
		s := "None"
		if ok {
			s = v.String()
		}
		parts = append(parts, name+"_"+s)
	}
	return strings.Join(parts, sep)
}

// Dir is the directory of restart for p.
func (l Layout) Dir(p state.Point, restart int) string {
	return filepath.Join(l.Root, l.Name(p, "_")+"_"+strconv.Itoa(restart))
}

// NextFree returns the first directory name for p, counting restart
// suffixes up from zero, that is either oldPath itself or not taken.
func (l Layout) NextFree(p state.Point, oldPath string) string {
	for idx := 0; ; idx++ {
		candidate := l.Dir(p, idx)
		if oldPath != "" && filepath.Clean(candidate) == filepath.Clean(oldPath) {
			return candidate
		}
		if _, err := os.Lstat(candidate); errors.Is(err, fs.ErrNotExist) {
			return candidate
		}
	}
}

func (l Layout) StartConfig(dir string) string {
	return filepath.Join(dir, "start.config."+l.ext())
}

// Config is the configuration artifact written by step i; step 0 is the
// equilibration run.
func (l Layout) Config(dir string, i int) string {
	return filepath.Join(dir, fmt.Sprintf("%d.config.%s", i, l.ext()))
}

func (l Layout) Data(dir string, i int) string {
	return filepath.Join(dir, fmt.Sprintf("%d.data.%s", i, l.ext()))
}

// HasArtifacts reports whether dir contains any configuration artifact.
func (l Layout) HasArtifacts(dir string) bool {
	matches, err := doublestar.Glob(os.DirFS(dir), "*.config."+l.ext())
	return err == nil && len(matches) > 0
}

// Configs lists the configuration artifacts in dir, start config first,
// then numbered configs in ascending order.
func (l Layout) Configs(dir string) []string {
	var out []string
	if _, err := os.Stat(l.StartConfig(dir)); err == nil {
		out = append(out, l.StartConfig(dir))
	}
	for i := 0; ; i++ {
		p := l.Config(dir, i)
		if _, err := os.Stat(p); err != nil {
			break
		}
		out = append(out, p)
	}
	return out
}

// List returns the directories directly under Root whose names match any
// of the doublestar patterns, or all of them when patterns is empty.
func (l Layout) List(patterns []string) ([]string, error) {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, state.Configf("invalid select pattern %q", p)
		}
	}
	entries, err := os.ReadDir(l.Root)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() || !matchAny(patterns, e.Name()) {
			continue
		}
		out = append(out, filepath.Join(l.Root, e.Name()))
	}
	return out, nil
}

func matchAny(patterns []string, name string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}

// Restart reports whether dir is named for p under the current variable
// ordering, returning its restart suffix.
func (l Layout) Restart(p state.Point, dir string) (int, bool) {
	rest, ok := strings.CutPrefix(filepath.Base(dir), l.Name(p, "_")+"_")
	if !ok || rest == "" {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 || strconv.Itoa(n) != rest {
		return 0, false
	}
	return n, true
}

// Step is one numbered (config, data) artifact pair.
type Step struct {
	Index  int
	Config string
	Data   string
}

// ValidStep reports whether both artifacts of step i exist and validate.
func (l Layout) ValidStep(dir string, i int) (Step, bool) {
	s := Step{Index: i, Config: l.Config(dir, i), Data: l.Data(dir, i)}
	if artifact.Validate(s.Config) != nil || artifact.Validate(s.Data) != nil {
		return s, false
	}
	return s, true
}

// RunFiles walks the valid numbered steps of dir, splitting them into those
// needed to pass minEvents per-particle events and those after it, up to
// maxEvents. maxEvents <= 0 means no upper bound. The walk stops at the first
// missing or invalid pair.
func (l Layout) RunFiles(dir string, minEvents, maxEvents float64) (equil, run []Step, err error) {
	if maxEvents <= 0 {
		maxEvents = math.Inf(1)
	}
	events := 0.0
	for i := 0; ; i++ {
		if events >= minEvents && events >= maxEvents {
			return equil, run, nil
		}
		s, ok := l.ValidStep(dir, i)
		if !ok {
			return equil, run, nil
		}
		perN, err := eventsPerParticle(s.Data)
		if err != nil {
			return equil, run, err
		}
		if events < minEvents {
			equil = append(equil, s)
		} else {
			run = append(run, s)
		}
		events += perN
	}
}

func eventsPerParticle(dataPath string) (float64, error) {
	out, err := artifact.LoadOutput(dataPath)
	if err != nil {
		return 0, err
	}
	ev, err := out.Events()
	if err != nil {
		return 0, err
	}
	n, err := out.N()
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s: particle count %d", dataPath, n)
	}
	return float64(ev) / float64(n), nil
}
