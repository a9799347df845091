package stats

import (
	"fmt"
	"sort"
)

// Kind tags the variant held by an Acc.
type Kind uint8

const (
	KindNone Kind = iota
	KindFloat
	KindArray
	KindKeyed
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindFloat:
		return "float"
	case KindArray:
		return "array"
	case KindKeyed:
		return "keyed"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Acc is a closed variant over the accumulator shapes an observable can
// produce: a scalar, a vector, or a sparse string-keyed map of nested
// accumulators. The zero Acc is the merge identity for every kind.
type Acc struct {
	Kind  Kind           `msgpack:"k"`
	Float Float          `msgpack:"f,omitempty"`
	Array Array          `msgpack:"a,omitempty"`
	Keyed map[string]Acc `msgpack:"m,omitempty"`
}

func Scalar(value, weight float64) Acc {
	return Acc{Kind: KindFloat, Float: NewFloat(value, weight)}
}

func Vector(values []float64, weight float64) Acc {
	return Acc{Kind: KindArray, Array: NewArray(values, weight)}
}

// Keyed wraps a map of accumulators. The map is copied.
func Keyed(m map[string]Acc) Acc {
	cp := make(map[string]Acc, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return Acc{Kind: KindKeyed, Keyed: cp}
}

// Merge combines two accumulators of the same kind. Keys present in only one
// keyed operand are carried over unchanged.
func (a Acc) Merge(b Acc) (Acc, error) {
	if a.Kind == KindNone {
		return b, nil
	}
	if b.Kind == KindNone {
		return a, nil
	}
	if a.Kind != b.Kind {
		return Acc{}, fmt.Errorf("stats: cannot merge %s with %s", a.Kind, b.Kind)
	}
	switch a.Kind {
	case KindFloat:
		return Acc{Kind: KindFloat, Float: a.Float.Merge(b.Float)}, nil
	case KindArray:
		return Acc{Kind: KindArray, Array: a.Array.Merge(b.Array)}, nil
	case KindKeyed:
		out := make(map[string]Acc, len(a.Keyed)+len(b.Keyed))
		for k, v := range a.Keyed {
			out[k] = v
		}
		for k, v := range b.Keyed {
			merged, err := out[k].Merge(v)
			if err != nil {
				return Acc{}, fmt.Errorf("key %q: %w", k, err)
			}
			out[k] = merged
		}
		return Acc{Kind: KindKeyed, Keyed: out}, nil
	default:
		return Acc{}, fmt.Errorf("stats: unknown kind %s", a.Kind)
	}
}

// IsZero reports whether the accumulator carries no weight anywhere.
func (a Acc) IsZero() bool {
	switch a.Kind {
	case KindFloat:
		return a.Float.IsZero()
	case KindArray:
		return a.Array.IsZero()
	case KindKeyed:
		for _, v := range a.Keyed {
			if !v.IsZero() {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// Keys returns the sorted keys of a keyed accumulator.
func (a Acc) Keys() []string {
	keys := make([]string, 0, len(a.Keyed))
	for k := range a.Keyed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Readout is the normalized form of an Acc. Exactly one of the fields is set
// for a non-empty accumulator.
type Readout struct {
	Scalar *Summary           `json:"scalar,omitempty"`
	Array  []Summary          `json:"array,omitempty"`
	Keyed  map[string]Readout `json:"keyed,omitempty"`
}

// Readout normalizes the accumulator.
func (a Acc) Readout() Readout {
	switch a.Kind {
	case KindFloat:
		s := a.Float.Stats()
		return Readout{Scalar: &s}
	case KindArray:
		return Readout{Array: a.Array.Stats()}
	case KindKeyed:
		out := make(map[string]Readout, len(a.Keyed))
		for k, v := range a.Keyed {
			out[k] = v.Readout()
		}
		return Readout{Keyed: out}
	default:
		return Readout{}
	}
}
