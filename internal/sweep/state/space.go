package state

import (
	"sort"
	"strings"
)

// Axis is one swept variable with its candidate values.
type Axis struct {
	Name   string
	Values []Value
}

// Group is a sweep group: the cartesian product of its axes.
type Group []Axis

// Space is the deduplicated set of state points produced by a sweep.
type Space struct {
	// Points are sorted by Variables.
	Points []Point
	// Variables is the sorted list of variables present in every point.
	Variables []string

	keys map[string]struct{}
}

// Contains reports whether p is one of the expanded points.
func (s *Space) Contains(p Point) bool {
	if s == nil {
		return false
	}
	_, ok := s.keys[p.Key()]
	return ok
}

// Expand turns the sweep groups into canonical state points. Every raw
// assignment is rounded, run through the derivation rules of its variables,
// canonicalized and deduplicated.
func Expand(reg *Registry, groups []Group) (*Space, error) {
	if len(groups) == 0 {
		return nil, Configf("no state variables to sweep")
	}
	seen := make(map[string]Point)
	for gi, g := range groups {
		if len(g) == 0 {
			return nil, Configf("sweep group %d: no state variables to sweep", gi)
		}
		names := make(map[string]bool, len(g))
		axes := make([]Axis, len(g))
		for ai, ax := range g {
			if ax.Name == "" {
				return nil, Configf("sweep group %d: axis %d has no variable name", gi, ai)
			}
			if names[ax.Name] {
				return nil, Configf("sweep group %d: variable %q listed twice", gi, ax.Name)
			}
			names[ax.Name] = true
			if len(ax.Values) == 0 {
				return nil, Configf("sweep group %d: variable %q has no values", gi, ax.Name)
			}
			vals := make([]Value, len(ax.Values))
			for i, v := range ax.Values {
				if !v.IsStr {
					v = Num(v.Num)
				}
				vals[i] = v
			}
			sort.SliceStable(vals, func(i, j int) bool { return vals[i].Compare(vals[j]) < 0 })
			axes[ai] = Axis{Name: ax.Name, Values: vals}
		}

		var expandErr error
		product(axes, func(raw map[string]Value) bool {
			p, err := Derive(reg, raw)
			if err != nil {
				expandErr = err
				return false
			}
			seen[p.Key()] = p
			return true
		})
		if expandErr != nil {
			return nil, expandErr
		}
	}

	points := make([]Point, 0, len(seen))
	for _, p := range seen {
		points = append(points, p)
	}
	vars := points[0].Names()
	want := strings.Join(vars, ",")
	for _, p := range points[1:] {
		if got := strings.Join(p.Names(), ","); got != want {
			return nil, Configf("sweep groups produce different state variables: [%s] vs [%s]", want, got)
		}
	}
	sort.Slice(points, func(i, j int) bool { return Compare(points[i], points[j], vars) < 0 })

	keys := make(map[string]struct{}, len(points))
	for _, p := range points {
		keys[p.Key()] = struct{}{}
	}
	return &Space{Points: points, Variables: vars, keys: keys}, nil
}

// Derive applies the derivation rules to a raw assignment and returns the
// canonical point. Rules run once each, in name order, for the variables
// present before derivation.
func Derive(reg *Registry, raw map[string]Value) (Point, error) {
	vals := make(map[string]Value, len(raw))
	for k, v := range raw {
		vals[k] = v
	}
	names := make([]string, 0, len(vals))
	for k := range vals {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, name := range names {
		v, _ := reg.Lookup(name)
		if v.Derive == nil {
			continue
		}
		if err := v.Derive(vals); err != nil {
			return Point{}, err
		}
	}
	return NewPoint(vals), nil
}

// product walks the cartesian product of axes, stopping when fn returns false.
func product(axes []Axis, fn func(map[string]Value) bool) {
	idx := make([]int, len(axes))
	for {
		m := make(map[string]Value, len(axes))
		for i, ax := range axes {
			m[ax.Name] = ax.Values[idx[i]]
		}
		if !fn(m) {
			return
		}
		i := len(axes) - 1
		for ; i >= 0; i-- {
			idx[i]++
			if idx[i] < len(axes[i].Values) {
				break
			}
			idx[i] = 0
		}
		if i < 0 {
			return
		}
	}
}
