package state

import (
	"fmt"
	"math"
	"sort"

	"github.com/dynamomd/dynasweep/internal/sweep/artifact"
)

// Variable describes how a tracked state variable relates to other variables
// and to simulation artifacts.
type Variable struct {
	Name string

	// Recalculable marks variables whose value can be read back reliably
	// from a configuration artifact. Reconciliation overwrites persisted
	// values of recalculable variables with the re-derived ones.
	Recalculable bool

	// Recalc re-derives the value from a configuration artifact. For
	// non-recalculable variables it supplies the fallback used when an old
	// run directory predates the variable.
	Recalc func(cfg *artifact.ConfigFile) (Value, error)

	// Derive may add further variables to a partially built state, or
	// validate existing ones, returning an error on contradiction.
	Derive func(vals map[string]Value) error
}

// Registry is the immutable table of known variables.
type Registry struct {
	vars map[string]Variable
}

func NewRegistry(vars ...Variable) (*Registry, error) {
	r := &Registry{vars: make(map[string]Variable, len(vars))}
	for _, v := range vars {
		if v.Name == "" {
			return nil, fmt.Errorf("state variable name is required")
		}
		if _, dup := r.vars[v.Name]; dup {
			return nil, fmt.Errorf("duplicate state variable %q", v.Name)
		}
		if v.Recalculable && v.Recalc == nil {
			return nil, fmt.Errorf("state variable %q is recalculable but has no recalc rule", v.Name)
		}
		r.vars[v.Name] = v
	}
	return r, nil
}

// Lookup returns the variable definition. Unknown names are plain variables
// with no derivation or recalc rule.
func (r *Registry) Lookup(name string) (Variable, bool) {
	if r == nil {
		return Variable{Name: name}, false
	}
	v, ok := r.vars[name]
	if !ok {
		return Variable{Name: name}, false
	}
	return v, true
}

func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.vars))
	for k := range r.vars {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Rederive computes the value of name from a configuration artifact.
func (r *Registry) Rederive(name string, cfg *artifact.ConfigFile) (Value, error) {
	v, _ := r.Lookup(name)
	if v.Recalc == nil {
		return Value{}, fmt.Errorf("state variable %q cannot be derived from %s", name, cfg.Path)
	}
	return v.Recalc(cfg)
}

// Builtin returns the registry of DynamO state variables.
func Builtin() *Registry {
	r, err := NewRegistry(
		Variable{Name: "N", Recalculable: true, Recalc: func(c *artifact.ConfigFile) (Value, error) {
			return Num(float64(c.N())), nil
		}},
		Variable{Name: "ndensity", Recalculable: true, Recalc: func(c *artifact.ConfigFile) (Value, error) {
			n, err := c.NumberDensity()
			if err != nil {
				return Value{}, err
			}
			return Num(n), nil
		}},
		Variable{Name: "InitState", Recalc: func(*artifact.ConfigFile) (Value, error) {
			return Str("FCC"), nil
		}},
		Variable{Name: "Lambda", Recalculable: true, Recalc: attrOrInf(`Interaction[@Type="SquareWell"]`, "Lambda", 1)},
		Variable{Name: "Rso", Recalculable: true, Recalc: attrOrInf(`Global[@Type="SOCells"]`, "Diameter", 0.5)},
		Variable{Name: "kT", Recalculable: true, Recalc: attrOrInf(`System[@Name="Thermostat"]`, "Temperature", 1)},
		Variable{Name: "PhiT", Recalculable: true, Recalc: recalcPhiT, Derive: derivePhiT},
	)
	if err != nil {
		panic(err)
	}
	return r
}

// attrOrInf reads a scaled float attribute; a missing tag means the feature
// is disabled, which is recorded as +Inf.
func attrOrInf(path, attr string, scale float64) func(*artifact.ConfigFile) (Value, error) {
	return func(c *artifact.ConfigFile) (Value, error) {
		n := c.Root.Find(path)
		if n == nil {
			return Num(math.Inf(1)), nil
		}
		f, err := n.FloatAttr(attr)
		if err != nil {
			return Value{}, fmt.Errorf("%s: %w", c.Path, err)
		}
		return Num(f * scale), nil
	}
}

func sphereFraction(density, radius float64) float64 {
	return density * math.Pi * (4.0 / 3.0) * radius * radius * radius
}

func recalcPhiT(c *artifact.ConfigFile) (Value, error) {
	rso, err := attrOrInf(`Global[@Type="SOCells"]`, "Diameter", 0.5)(c)
	if err != nil {
		return Value{}, err
	}
	if math.IsInf(rso.Num, 1) {
		return rso, nil
	}
	n, err := c.NumberDensity()
	if err != nil {
		return Value{}, err
	}
	return Num(sphereFraction(n, rso.Num)), nil
}

// derivePhiT fills in the confinement radius Rso implied by the packing
// fraction PhiT at the state's number density.
func derivePhiT(vals map[string]Value) error {
	phiT, err := vals["PhiT"].Float()
	if err != nil {
		return Configf("PhiT: %v", err)
	}
	var rso Value
	if math.IsInf(phiT, 1) {
		rso = Num(math.Inf(1))
	} else {
		dv, ok := vals["ndensity"]
		if !ok {
			return Configf("PhiT requires the ndensity state variable")
		}
		density, err := dv.Float()
		if err != nil {
			return Configf("ndensity: %v", err)
		}
		if density <= 0 {
			return Configf("PhiT requires a positive ndensity, got %v", density)
		}
		rso = Num(math.Cbrt(phiT / (density * math.Pi * (4.0 / 3.0))))
	}
	if existing, ok := vals["Rso"]; ok {
		if !existing.Equal(rso) {
			return Configf("state contains conflicting Rso=%s and PhiT=%s (implies Rso=%s)", existing, vals["PhiT"], rso)
		}
		return nil
	}
	vals["Rso"] = rso
	return nil
}
