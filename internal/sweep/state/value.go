package state

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// SigFigs is the precision every numeric state value is rounded to, so that
// floating-point near-duplicates collapse onto one state point.
const SigFigs = 14

// Value is a state variable value: a number or a string.
type Value struct {
	Num   float64 `msgpack:"n,omitempty"`
	Str   string  `msgpack:"s,omitempty"`
	IsStr bool    `msgpack:"t,omitempty"`
}

// Num returns a numeric value rounded to SigFigs significant figures.
// Negative zero is stored as zero.
func Num(f float64) Value {
	if f == 0 {
		f = 0
	}
	return Value{Num: RoundSF(f, SigFigs)}
}

func Str(s string) Value { return Value{Str: s, IsStr: true} }

// ValueOf converts a decoded YAML/JSON scalar into a Value. Strings that
// parse as numbers, including "inf", "-inf" and "nan", are numbers.
func ValueOf(v any) (Value, error) {
	switch x := v.(type) {
	case Value:
		return x, nil
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
			return Num(f), nil
		}
		return Str(x), nil
	case float64:
		return Num(x), nil
	case float32:
		return Num(float64(x)), nil
	case int:
		return Num(float64(x)), nil
	case int64:
		return Num(float64(x)), nil
	case uint64:
		return Num(float64(x)), nil
	case bool:
		return Str(strconv.FormatBool(x)), nil
	default:
		return Value{}, fmt.Errorf("unsupported state value %v (%T)", v, v)
	}
}

// RoundSF rounds f to n significant figures. Inf and NaN pass through.
func RoundSF(f float64, n int) float64 {
	if math.IsInf(f, 0) || math.IsNaN(f) || f == 0 {
		return f
	}
	r, err := strconv.ParseFloat(strconv.FormatFloat(f, 'g', n, 64), 64)
	if err != nil {
		return f
	}
	return r
}

// String formats numbers with SigFigs significant figures.
func (v Value) String() string {
	if v.IsStr {
		return v.Str
	}
	switch {
	case math.IsInf(v.Num, 1):
		return "inf"
	case math.IsInf(v.Num, -1):
		return "-inf"
	case math.IsNaN(v.Num):
		return "nan"
	}
	return strconv.FormatFloat(v.Num, 'g', SigFigs, 64)
}

// key is an unambiguous encoding used for canonical point keys.
func (v Value) key() string {
	if v.IsStr {
		return "s:" + v.Str
	}
	f := v.Num
	if f == 0 {
		f = 0
	}
	return "f:" + strconv.FormatFloat(f, 'g', -1, 64)
}

func (v Value) Equal(o Value) bool {
	if v.IsStr != o.IsStr {
		return false
	}
	if v.IsStr {
		return v.Str == o.Str
	}
	if math.IsNaN(v.Num) && math.IsNaN(o.Num) {
		return true
	}
	return v.Num == o.Num
}

// Compare orders numbers before strings, numbers numerically and strings
// lexically.
func (v Value) Compare(o Value) int {
	switch {
	case v.IsStr && !o.IsStr:
		return 1
	case !v.IsStr && o.IsStr:
		return -1
	case v.IsStr:
		return strings.Compare(v.Str, o.Str)
	case v.Num < o.Num:
		return -1
	case v.Num > o.Num:
		return 1
	default:
		return 0
	}
}

// Float returns the numeric value, or an error for strings.
func (v Value) Float() (float64, error) {
	if v.IsStr {
		return 0, fmt.Errorf("value %q is not numeric", v.Str)
	}
	return v.Num, nil
}
