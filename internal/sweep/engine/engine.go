// Package engine ties a sweep config to the run, reorganize and collect
// phases. A Manager owns one workdir.
package engine

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/dynamomd/dynasweep/internal/sweep/config"
	"github.com/dynamomd/dynasweep/internal/sweep/observable"
	"github.com/dynamomd/dynasweep/internal/sweep/rundir"
	"github.com/dynamomd/dynasweep/internal/sweep/runstate"
	"github.com/dynamomd/dynasweep/internal/sweep/state"
)

// Options override the defaults derived from the config.
type Options struct {
	Logger *zap.Logger
	// RunID labels progress events; a new ULID when empty.
	RunID string

	Variables   *state.Registry
	Observables *observable.Registry

	// Setup and Simulator replace the configured commands when set.
	Setup     rundir.Setup
	Simulator rundir.Simulator
	// LookPath resolves executables during preflight; exec.LookPath when nil.
	LookPath func(string) (string, error)

	// ProgressInterval paces periodic progress events during Run.
	ProgressInterval time.Duration
}

// Manager holds the expanded sweep of one config.
type Manager struct {
	cfg    *config.Config
	opts   Options
	logger *zap.Logger
	runID  string

	space  *state.Space
	vars   []string
	obs    *observable.Set
	layout rundir.Layout

	progressMu sync.Mutex
}

// NewRunID returns a sortable unique run identifier.
func NewRunID() string {
	return ulid.Make().String()
}

// New expands the sweep and resolves the requested observables. All
// failures are configuration errors.
func New(cfg *config.Config, opts Options) (*Manager, error) {
	if cfg == nil {
		return nil, state.Configf("config is nil")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Variables == nil {
		opts.Variables = state.Builtin()
	}
	if opts.Observables == nil {
		opts.Observables = observable.Builtin()
	}
	if opts.LookPath == nil {
		opts.LookPath = exec.LookPath
	}
	if strings.TrimSpace(opts.RunID) == "" {
		opts.RunID = NewRunID()
	}

	groups, err := cfg.SweepGroups()
	if err != nil {
		return nil, state.Configf("%v", err)
	}
	space, err := state.Expand(opts.Variables, groups)
	if err != nil {
		return nil, err
	}
	vars, err := trackedVars(cfg.StateVars, space.Variables)
	if err != nil {
		return nil, err
	}
	obs, err := opts.Observables.Resolve(cfg.Observables, vars)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:    cfg,
		opts:   opts,
		logger: opts.Logger.With(zap.String("run_id", opts.RunID)),
		runID:  opts.RunID,
		space:  space,
		vars:   vars,
		obs:    obs,
		layout: rundir.Layout{Root: cfg.Workdir, Vars: vars, Ext: cfg.Simulator.ArtifactExt},
	}
	return m, nil
}

// trackedVars orders the sweep variables for directory naming. An explicit
// order must name exactly the swept variables.
func trackedVars(explicit, swept []string) ([]string, error) {
	if len(explicit) == 0 {
		return append([]string(nil), swept...), nil
	}
	a := append([]string(nil), explicit...)
	b := append([]string(nil), swept...)
	sort.Strings(a)
	sort.Strings(b)
	if strings.Join(a, "\x00") != strings.Join(b, "\x00") {
		return nil, state.Configf("state_vars %v must list exactly the swept variables %v", explicit, swept)
	}
	return append([]string(nil), explicit...), nil
}

func (m *Manager) RunID() string { return m.runID }

// Space is the expanded, deduplicated sweep.
func (m *Manager) Space() *state.Space { return m.space }

// Vars is the directory naming order of the tracked variables.
func (m *Manager) Vars() []string { return append([]string(nil), m.vars...) }

func (m *Manager) Observables() *observable.Set { return m.obs }

func (m *Manager) Layout() rundir.Layout { return m.layout }

// Preflight checks that the external programs of the run phase resolve.
func (m *Manager) Preflight() error {
	if m.opts.Simulator == nil {
		if _, err := m.opts.LookPath(m.cfg.Simulator.RunCommand[0]); err != nil {
			return state.Configf("simulator.run_command: %v", err)
		}
	}
	if m.opts.Setup == nil {
		if len(m.cfg.Simulator.SetupCommand) == 0 {
			return state.Configf("simulator.setup_command is required to create start configurations")
		}
		if _, err := m.opts.LookPath(m.cfg.Simulator.SetupCommand[0]); err != nil {
			return state.Configf("simulator.setup_command: %v", err)
		}
	}
	return nil
}

func (m *Manager) setup() rundir.Setup {
	if m.opts.Setup != nil {
		return m.opts.Setup
	}
	skip := 0
	if m.cfg.Simulator.SkipExitCode != nil {
		skip = *m.cfg.Simulator.SkipExitCode
	}
	return rundir.CommandSetup{
		Argv:         m.cfg.Simulator.SetupCommand,
		SkipExitCode: skip,
		Timeout:      m.cfg.StepTimeout(),
	}
}

func (m *Manager) simulator() rundir.Simulator {
	if m.opts.Simulator != nil {
		return m.opts.Simulator
	}
	return rundir.CommandSimulator{Command: m.cfg.Simulator.RunCommand, Timeout: m.cfg.StepTimeout()}
}

func (m *Manager) pidPath() string { return filepath.Join(m.cfg.Workdir, runstate.PIDFile) }

// rawPath is the collector snapshot, kept beside the workdir.
func (m *Manager) rawPath() string {
	return strings.TrimRight(m.cfg.Workdir, `/\`) + ".raw_data.msgpack"
}

func (m *Manager) String() string {
	return fmt.Sprintf("sweep %s (%d points x %d restarts)", m.cfg.Workdir, len(m.space.Points), m.cfg.Restarts)
}
