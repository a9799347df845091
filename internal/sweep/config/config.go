// Package config loads sweep configuration files.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/dynamomd/dynasweep/internal/sweep/rundir"
	"github.com/dynamomd/dynasweep/internal/sweep/state"
)

//go:embed schema.json
var schemaJSON string

// Axis is one swept variable in the config file.
type Axis struct {
	Var    string `json:"var" yaml:"var"`
	Values []any  `json:"values" yaml:"values"`
}

type RunConfig struct {
	EquilEvents float64 `json:"equil_events" yaml:"equil_events"`
	RunEvents   float64 `json:"run_events" yaml:"run_events"`
	BlockEvents float64 `json:"block_events,omitempty" yaml:"block_events,omitempty"`
}

type SimulatorConfig struct {
	SetupCommand []string `json:"setup_command,omitempty" yaml:"setup_command,omitempty"`
	RunCommand   []string `json:"run_command,omitempty" yaml:"run_command,omitempty"`
	SkipExitCode *int     `json:"skip_exit_code,omitempty" yaml:"skip_exit_code,omitempty"`
	StepTimeout  string   `json:"step_timeout,omitempty" yaml:"step_timeout,omitempty"`
	ArtifactExt  string   `json:"artifact_ext,omitempty" yaml:"artifact_ext,omitempty"`
}

type CollectConfig struct {
	OnlyCurrent  bool   `json:"only_current,omitempty" yaml:"only_current,omitempty"`
	OutputCSV    string `json:"output_csv,omitempty" yaml:"output_csv,omitempty"`
	OutputSQLite string `json:"output_sqlite,omitempty" yaml:"output_sqlite,omitempty"`
	SQLiteTable  string `json:"sqlite_table,omitempty" yaml:"sqlite_table,omitempty"`
	RawSnapshot  bool   `json:"raw_snapshot,omitempty" yaml:"raw_snapshot,omitempty"`
}

type Config struct {
	Version   int    `json:"version" yaml:"version"`
	Workdir   string `json:"workdir,omitempty" yaml:"workdir,omitempty"`
	Restarts  int    `json:"restarts,omitempty" yaml:"restarts,omitempty"`
	Processes int    `json:"processes,omitempty" yaml:"processes,omitempty"`
	// StateVars fixes the directory naming order. It defaults to the sorted
	// variables of the expanded sweep.
	StateVars   []string `json:"state_vars,omitempty" yaml:"state_vars,omitempty"`
	Sweeps      [][]Axis `json:"sweeps" yaml:"sweeps"`
	Observables []string `json:"observables,omitempty" yaml:"observables,omitempty"`
	Select      []string `json:"select,omitempty" yaml:"select,omitempty"`

	Run       RunConfig       `json:"run" yaml:"run"`
	Simulator SimulatorConfig `json:"simulator,omitempty" yaml:"simulator,omitempty"`
	Collect   CollectConfig   `json:"collect,omitempty" yaml:"collect,omitempty"`
}

// Load reads a YAML (default) or JSON file, validates it against the
// embedded schema, applies defaults and resolves relative paths against the
// file's directory. All failures wrap state.ErrConfig.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, state.Configf("read config: %v", err)
	}
	cfg, err := Parse(b, filepath.Ext(path))
	if err != nil {
		return nil, state.Configf("%s: %v", path, err)
	}
	base := filepath.Dir(path)
	cfg.Workdir = resolve(base, cfg.Workdir)
	cfg.Collect.OutputCSV = resolve(base, cfg.Collect.OutputCSV)
	cfg.Collect.OutputSQLite = resolve(base, cfg.Collect.OutputSQLite)
	return cfg, nil
}

// Parse decodes a config document. ext selects JSON for ".json" and YAML
// otherwise. Relative paths are left as written.
func Parse(b []byte, ext string) (*Config, error) {
	var (
		cfg Config
		raw any
	)
	switch strings.ToLower(ext) {
	case ".json":
		if err := decodeJSONStrict(b, &cfg); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(b, &raw); err != nil {
			return nil, err
		}
	default:
		if err := decodeYAMLStrict(b, &cfg); err != nil {
			return nil, err
		}
		var doc any
		if err := yaml.Unmarshal(b, &doc); err != nil {
			return nil, err
		}
		// The schema validator wants JSON values.
		j, err := json.Marshal(jsonSafe(doc))
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(j, &raw); err != nil {
			return nil, err
		}
	}
	if err := validateSchema(raw); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeJSONStrict(b []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

// jsonSafe replaces the non-finite floats YAML allows (.inf, .nan) with
// their string form, which state.ValueOf reads back as numbers.
func jsonSafe(v any) any {
	switch x := v.(type) {
	case float64:
		switch {
		case math.IsInf(x, 1):
			return "inf"
		case math.IsInf(x, -1):
			return "-inf"
		case math.IsNaN(x):
			return "nan"
		}
		return x
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = jsonSafe(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = jsonSafe(e)
		}
		return out
	default:
		return v
	}
}

var schema = func() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("sweep.json", strings.NewReader(schemaJSON)); err != nil {
		panic(err)
	}
	return c.MustCompile("sweep.json")
}()

func validateSchema(raw any) error {
	if err := schema.Validate(raw); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Workdir == "" {
		cfg.Workdir = "runs"
	}
	if cfg.Restarts == 0 {
		cfg.Restarts = 1
	}
	if cfg.Processes == 0 {
		cfg.Processes = runtime.NumCPU()
	}
	if cfg.Run.BlockEvents == 0 {
		cfg.Run.BlockEvents = cfg.Run.RunEvents
	}
	if len(cfg.Simulator.RunCommand) == 0 {
		cfg.Simulator.RunCommand = []string{"dynarun"}
	}
	if cfg.Simulator.ArtifactExt == "" {
		cfg.Simulator.ArtifactExt = rundir.DefaultExt
	}
	cfg.Simulator.ArtifactExt = strings.TrimPrefix(cfg.Simulator.ArtifactExt, ".")
	if cfg.Collect.OutputCSV == "" {
		cfg.Collect.OutputCSV = strings.TrimRight(cfg.Workdir, `/\`) + ".csv"
	}
	if cfg.Collect.SQLiteTable == "" {
		cfg.Collect.SQLiteTable = "results"
	}
}

func validate(cfg *Config) error {
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported config version %d", cfg.Version)
	}
	if cfg.Restarts < 1 {
		return fmt.Errorf("restarts must be at least 1")
	}
	if cfg.Processes < 1 {
		return fmt.Errorf("processes must be at least 1")
	}
	if cfg.Run.RunEvents > 0 && cfg.Run.BlockEvents <= 0 {
		return fmt.Errorf("run.block_events must be positive")
	}
	if _, err := cfg.SweepGroups(); err != nil {
		return err
	}
	if _, err := parseTimeout(cfg.Simulator.StepTimeout); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Simulator.RunCommand[0]) == "" {
		return fmt.Errorf("simulator.run_command: executable is empty")
	}
	if len(cfg.Simulator.SetupCommand) > 0 && strings.TrimSpace(cfg.Simulator.SetupCommand[0]) == "" {
		return fmt.Errorf("simulator.setup_command: executable is empty")
	}
	return nil
}

func parseTimeout(s string) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("simulator.step_timeout: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("simulator.step_timeout must not be negative")
	}
	return d, nil
}

// StepTimeout is the per-invocation limit; zero means none.
func (c *Config) StepTimeout() time.Duration {
	d, _ := parseTimeout(c.Simulator.StepTimeout)
	return d
}

// SweepGroups converts the sweeps into state groups.
func (c *Config) SweepGroups() ([]state.Group, error) {
	groups := make([]state.Group, 0, len(c.Sweeps))
	for gi, g := range c.Sweeps {
		group := make(state.Group, 0, len(g))
		for _, a := range g {
			axis := state.Axis{Name: a.Var}
			for _, raw := range a.Values {
				v, err := state.ValueOf(raw)
				if err != nil {
					return nil, fmt.Errorf("sweeps[%d].%s: %w", gi, a.Var, err)
				}
				axis.Values = append(axis.Values, v)
			}
			group = append(group, axis)
		}
		groups = append(groups, group)
	}
	return groups, nil
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}
