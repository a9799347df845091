// Package stats implements mergeable weighted-mean accumulators.
//
// An accumulator keeps raw running sums over (value, weight) observations and
// only normalizes at read-out, so partial accumulators produced by parallel
// workers can be merged in any order. The standard error follows the unbiased
// reliability-weights estimator for the weighted mean.
package stats

import "math"

// Summary is the read-out of a scalar accumulator.
type Summary struct {
	Mean   float64 `json:"mean" msgpack:"mean"`
	StdErr float64 `json:"stderr" msgpack:"stderr"`
	// Variance is the variance per unit weight, StdErr^2 * ΣW.
	Variance float64 `json:"variance" msgpack:"variance"`
}

// Float accumulates scalar observations.
//
// The zero value is the merge identity.
type Float struct {
	W     float64 `msgpack:"w"`
	WV    float64 `msgpack:"wv"`
	WVV   float64 `msgpack:"wvv"`
	WW    float64 `msgpack:"ww"`
	WWV   float64 `msgpack:"wwv"`
	WWVV  float64 `msgpack:"wwvv"`
	Count int64   `msgpack:"n"`
}

// NewFloat seeds an accumulator from one observation. A zero weight carries
// no information and yields the identity.
func NewFloat(value, weight float64) Float {
	if weight == 0 {
		return Float{}
	}
	ww := weight * weight
	return Float{
		W:     weight,
		WV:    weight * value,
		WVV:   weight * value * value,
		WW:    ww,
		WWV:   ww * value,
		WWVV:  ww * value * value,
		Count: 1,
	}
}

// Merge returns the field-wise sum of a and b.
func (a Float) Merge(b Float) Float {
	return Float{
		W:     a.W + b.W,
		WV:    a.WV + b.WV,
		WVV:   a.WVV + b.WVV,
		WW:    a.WW + b.WW,
		WWV:   a.WWV + b.WWV,
		WWVV:  a.WWVV + b.WWVV,
		Count: a.Count + b.Count,
	}
}

// Add ingests one more observation.
func (a Float) Add(value, weight float64) Float {
	return a.Merge(NewFloat(value, weight))
}

// IsZero reports whether the accumulator holds no weight.
func (a Float) IsZero() bool { return a.W == 0 }

// Mean returns ΣWV/ΣW, or NaN when no weight has been observed.
func (a Float) Mean() float64 {
	if a.W == 0 {
		return math.NaN()
	}
	return a.WV / a.W
}

// Stats returns the weighted mean, its standard error and the variance per
// unit weight.
//
// With zero total weight all three are NaN. When the bias factor
// 1 - ΣW²/(ΣW)² vanishes (a single weighted observation) the mean is defined
// but StdErr and Variance are NaN.
func (a Float) Stats() Summary {
	nan := math.NaN()
	if a.W == 0 {
		return Summary{Mean: nan, StdErr: nan, Variance: nan}
	}
	mean := a.WV / a.W
	bias := 1 - a.WW/(a.W*a.W)
	if bias <= 0 || a.Count < 2 {
		return Summary{Mean: mean, StdErr: nan, Variance: nan}
	}
	sq := (a.WWVV - 2*a.WWV*mean + a.WW*mean*mean) / (a.W * a.W * bias)
	// round-off on identical values can land just below zero
	if sq < 0 {
		sq = 0
	}
	return Summary{Mean: mean, StdErr: math.Sqrt(sq), Variance: sq * a.W}
}
