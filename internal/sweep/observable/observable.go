// Package observable defines the quantities extracted from simulator output
// artifacts during collection.
package observable

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dynamomd/dynasweep/internal/sweep/artifact"
	"github.com/dynamomd/dynasweep/internal/sweep/state"
	"github.com/dynamomd/dynasweep/internal/sweep/stats"
)

// Input is one production artifact pair of a run directory.
type Input struct {
	Point      state.Point
	Dir        string
	Step       int
	ConfigPath string
	Output     *artifact.OutputFile
}

// Extractor computes one observation from an artifact. ok is false when the
// observable is undefined for this artifact; the observation is then dropped.
type Extractor interface {
	Extract(in Input) (acc stats.Acc, ok bool, err error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(in Input) (stats.Acc, bool, error)

func (f ExtractorFunc) Extract(in Input) (stats.Acc, bool, error) { return f(in) }

// Observable is a named, registered quantity.
type Observable struct {
	Name string
	// StateVars must all be tracked for the observable to be usable.
	StateVars []string
	// Requires lists other observables that are collected alongside.
	Requires []string
	// Plugins are simulator flags needed in production runs.
	Plugins   []string
	Extractor Extractor
}

// Registry is the immutable table of known observables.
type Registry struct {
	obs map[string]Observable
}

func NewRegistry(obs ...Observable) (*Registry, error) {
	r := &Registry{obs: make(map[string]Observable, len(obs))}
	for _, o := range obs {
		if o.Name == "" {
			return nil, fmt.Errorf("observable name is required")
		}
		if o.Extractor == nil {
			return nil, fmt.Errorf("observable %q has no extractor", o.Name)
		}
		if _, dup := r.obs[o.Name]; dup {
			return nil, fmt.Errorf("duplicate observable %q", o.Name)
		}
		r.obs[o.Name] = o
	}
	for _, o := range r.obs {
		for _, dep := range o.Requires {
			if _, ok := r.obs[dep]; !ok {
				return nil, fmt.Errorf("observable %q requires unknown observable %q", o.Name, dep)
			}
		}
	}
	return r, nil
}

func (r *Registry) Lookup(name string) (Observable, bool) {
	o, ok := r.obs[name]
	return o, ok
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.obs))
	for k := range r.obs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Set is a resolved, validated selection of observables.
type Set struct {
	// Observables holds dependencies before dependents; requested order is
	// otherwise preserved.
	Observables []Observable
	// Plugins is the deduplicated union of requested simulator flags.
	Plugins []string
}

func (s *Set) Names() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.Observables))
	for i, o := range s.Observables {
		out[i] = o.Name
	}
	return out
}

// Resolve validates names against the registry and the tracked state
// variables, adding required observables. All problems are configuration
// errors.
func (r *Registry) Resolve(names []string, tracked []string) (*Set, error) {
	trackedSet := make(map[string]bool, len(tracked))
	for _, v := range tracked {
		trackedSet[v] = true
	}
	set := &Set{}
	seen := map[string]bool{}
	visiting := map[string]bool{}
	plugins := map[string]bool{}

	var visit func(name string, chain []string) error
	visit = func(name string, chain []string) error {
		if seen[name] {
			return nil
		}
		if visiting[name] {
			return state.Configf("observable dependency cycle: %s", strings.Join(append(chain, name), " -> "))
		}
		o, ok := r.obs[name]
		if !ok {
			return state.Configf("unknown observable %q (known: %s)", name, strings.Join(r.Names(), ", "))
		}
		if trackedSet[name] {
			return state.Configf("observable %q has the same name as a tracked state variable", name)
		}
		for _, v := range o.StateVars {
			if !trackedSet[v] {
				return state.Configf("observable %q requires state variable %q, which is not swept", name, v)
			}
		}
		visiting[name] = true
		for _, dep := range o.Requires {
			if err := visit(dep, append(chain, name)); err != nil {
				return err
			}
		}
		visiting[name] = false
		seen[name] = true
		set.Observables = append(set.Observables, o)
		for _, p := range o.Plugins {
			if !plugins[p] {
				plugins[p] = true
				set.Plugins = append(set.Plugins, p)
			}
		}
		return nil
	}
	for _, name := range names {
		if err := visit(name, nil); err != nil {
			return nil, err
		}
	}
	return set, nil
}
