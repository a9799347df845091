package stats

import "fmt"

// Array accumulates fixed-shape vector observations element-wise.
//
// Operands of different length are merged as if the shorter one carried
// zero-weight entries past its end, which keeps Merge associative and
// commutative. A nil Array is the identity.
type Array []Float

// NewArray seeds an accumulator where every element shares one weight.
func NewArray(values []float64, weight float64) Array {
	if weight == 0 {
		return nil
	}
	out := make(Array, len(values))
	for i, v := range values {
		out[i] = NewFloat(v, weight)
	}
	return out
}

// NewArrayWeights seeds an accumulator with per-element weights.
func NewArrayWeights(values, weights []float64) (Array, error) {
	if len(values) != len(weights) {
		return nil, fmt.Errorf("stats: %d values but %d weights", len(values), len(weights))
	}
	out := make(Array, len(values))
	for i, v := range values {
		out[i] = NewFloat(v, weights[i])
	}
	return out, nil
}

// Merge returns the element-wise sum of a and b.
func (a Array) Merge(b Array) Array {
	if len(a) < len(b) {
		a, b = b, a
	}
	if len(a) == 0 {
		return nil
	}
	out := make(Array, len(a))
	copy(out, a)
	for i := range b {
		out[i] = out[i].Merge(b[i])
	}
	return out
}

// IsZero reports whether no element holds weight.
func (a Array) IsZero() bool {
	for _, f := range a {
		if !f.IsZero() {
			return false
		}
	}
	return true
}

// Stats applies Float.Stats to every element.
func (a Array) Stats() []Summary {
	out := make([]Summary, len(a))
	for i, f := range a {
		out[i] = f.Stats()
	}
	return out
}
