package state

import (
	"encoding/hex"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// Pair is one (variable, value) assignment.
type Pair struct {
	Name  string `msgpack:"name"`
	Value Value  `msgpack:"value"`
}

// Point is an immutable state point. Pairs are kept sorted by name, so two
// points built from the same assignments in any order are identical.
type Point struct {
	pairs []Pair
}

// NewPoint canonicalizes the given assignments.
func NewPoint(vals map[string]Value) Point {
	pairs := make([]Pair, 0, len(vals))
	for k, v := range vals {
		pairs = append(pairs, Pair{Name: k, Value: v})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Name < pairs[j].Name })
	return Point{pairs: pairs}
}

// PointFromPairs canonicalizes a pair list. Later duplicates win.
func PointFromPairs(pairs []Pair) Point {
	m := make(map[string]Value, len(pairs))
	for _, p := range pairs {
		m[p.Name] = p.Value
	}
	return NewPoint(m)
}

func (p Point) Len() int { return len(p.pairs) }

func (p Point) Get(name string) (Value, bool) {
	i := sort.Search(len(p.pairs), func(i int) bool { return p.pairs[i].Name >= name })
	if i < len(p.pairs) && p.pairs[i].Name == name {
		return p.pairs[i].Value, true
	}
	return Value{}, false
}

// Pairs returns a copy of the canonical pair list.
func (p Point) Pairs() []Pair { return append([]Pair(nil), p.pairs...) }

// Names returns the sorted variable names.
func (p Point) Names() []string {
	out := make([]string, len(p.pairs))
	for i, pr := range p.pairs {
		out[i] = pr.Name
	}
	return out
}

// Map returns a mutable copy of the assignments.
func (p Point) Map() map[string]Value {
	m := make(map[string]Value, len(p.pairs))
	for _, pr := range p.pairs {
		m[pr.Name] = pr.Value
	}
	return m
}

// With returns a new point with name set to v.
func (p Point) With(name string, v Value) Point {
	m := p.Map()
	m[name] = v
	return NewPoint(m)
}

// Project keeps only the named variables that p assigns.
func (p Point) Project(names []string) Point {
	m := make(map[string]Value, len(names))
	for _, name := range names {
		if v, ok := p.Get(name); ok {
			m[name] = v
		}
	}
	return NewPoint(m)
}

// Key is the canonical hash key of the point.
func (p Point) Key() string {
	var b strings.Builder
	for i, pr := range p.pairs {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(pr.Name)
		b.WriteByte('=')
		b.WriteString(pr.Value.key())
	}
	return b.String()
}

func (p Point) Equal(o Point) bool { return p.Key() == o.Key() }

// Fingerprint is a short blake3 digest of Key, recorded in snapshots.
func (p Point) Fingerprint() string {
	sum := blake3.Sum256([]byte(p.Key()))
	return hex.EncodeToString(sum[:8])
}

// String renders the point as name=value pairs.
func (p Point) String() string {
	parts := make([]string, len(p.pairs))
	for i, pr := range p.pairs {
		parts[i] = pr.Name + "=" + pr.Value.String()
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Compare orders points by the given variables, then by key.
func Compare(a, b Point, vars []string) int {
	for _, name := range vars {
		av, aok := a.Get(name)
		bv, bok := b.Get(name)
		switch {
		case !aok && bok:
			return -1
		case aok && !bok:
			return 1
		case aok && bok:
			if c := av.Compare(bv); c != 0 {
				return c
			}
		}
	}
	return strings.Compare(a.Key(), b.Key())
}
