// Package space describes tunable search spaces: variable ranges, session
// signatures, and the points strategies hand out to clients.
package space

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind enumerates the supported variable domains.
type Kind uint8

const (
	// KindInt is an integer range with min/max/step bounds.
	KindInt Kind = iota + 1
	// KindReal is a real range discretised by step.
	KindReal
	// KindEnum is an ordered set of string values.
	KindEnum
)

// String returns the canonical kind name.
func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindReal:
		return "real"
	case KindEnum:
		return "enum"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// ParseKind maps a kind name back to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "int", "integer":
		return KindInt, nil
	case "real", "float", "double":
		return KindReal, nil
	case "enum", "str", "string":
		return KindEnum, nil
	default:
		return 0, fmt.Errorf("space: unknown kind %q", s)
	}
}

var (
	// ErrInvalidRange reports a range whose bounds do not describe at least one value.
	ErrInvalidRange = errors.New("space: invalid range")
	// ErrIndexOutOfRange reports an index outside [0, MaxIdx).
	ErrIndexOutOfRange = errors.New("space: index out of range")
	// ErrIncompatible reports two signatures that do not describe the same space.
	ErrIncompatible = errors.New("space: incompatible signature")
)

// realEpsilon absorbs rounding when counting real steps.
const realEpsilon = 1e-9

// Range describes one tunable dimension.
type Range struct {
	Name string
	Kind Kind

	IntMin  int64
	IntMax  int64
	IntStep int64

	RealMin  float64
	RealMax  float64
	RealStep float64

	Values []string
}

// IntRange builds an integer range.
func IntRange(name string, min, max, step int64) Range {
	return Range{Name: name, Kind: KindInt, IntMin: min, IntMax: max, IntStep: step}
}

// RealRange builds a real range.
func RealRange(name string, min, max, step float64) Range {
	return Range{Name: name, Kind: KindReal, RealMin: min, RealMax: max, RealStep: step}
}

// EnumRange builds an enumerated range.
func EnumRange(name string, values ...string) Range {
	return Range{Name: name, Kind: KindEnum, Values: append([]string(nil), values...)}
}

// MaxIdx returns the number of discretised values in the range, or 0 when
// the bounds are invalid or the count does not fit in an int64.
func (r Range) MaxIdx() int64 {
	switch r.Kind {
	case KindInt:
		if r.IntStep <= 0 || r.IntMax < r.IntMin {
			return 0
		}
		// The span of two int64 bounds always fits in uint64.
		n := (uint64(r.IntMax)-uint64(r.IntMin))/uint64(r.IntStep) + 1
		if n == 0 || n > math.MaxInt64 {
			return 0
		}
		return int64(n)
	case KindReal:
		if !(r.RealStep > 0) || r.RealMax < r.RealMin || math.IsInf(r.RealMax-r.RealMin, 0) {
			return 0
		}
		steps := math.Floor((r.RealMax-r.RealMin)/r.RealStep + realEpsilon)
		if steps >= math.MaxInt64 {
			return 0
		}
		return int64(steps) + 1
	case KindEnum:
		return int64(len(r.Values))
	default:
		return 0
	}
}

// Validate reports whether the range is well formed.
func (r Range) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: empty variable name", ErrInvalidRange)
	}
	switch r.Kind {
	case KindInt, KindReal, KindEnum:
	default:
		return fmt.Errorf("%w: %s has unknown kind %d", ErrInvalidRange, r.Name, r.Kind)
	}
	if r.MaxIdx() < 1 {
		return fmt.Errorf("%w: %s (%s) has no values", ErrInvalidRange, r.Name, r.Kind)
	}
	return nil
}

// Value resolves an index into the concrete value it denotes.
func (r Range) Value(idx int64) (Value, error) {
	if idx < 0 || idx >= r.MaxIdx() {
		return Value{}, fmt.Errorf("%w: %s[%d] (max %d)", ErrIndexOutOfRange, r.Name, idx, r.MaxIdx())
	}
	switch r.Kind {
	case KindInt:
		return Value{Kind: KindInt, Int: r.IntMin + idx*r.IntStep}, nil
	case KindReal:
		return Value{Kind: KindReal, Real: r.RealMin + float64(idx)*r.RealStep}, nil
	default:
		return Value{Kind: KindEnum, Str: r.Values[idx]}, nil
	}
}

// Index maps a concrete value back to its nearest index.
func (r Range) Index(v Value) (int64, error) {
	if v.Kind != r.Kind {
		return 0, fmt.Errorf("space: %s expects %s value, got %s", r.Name, r.Kind, v.Kind)
	}
	var idx int64
	switch r.Kind {
	case KindInt:
		if v.Int < r.IntMin || v.Int > r.IntMax {
			return 0, fmt.Errorf("%w: %s has no value %s", ErrIndexOutOfRange, r.Name, v)
		}
		idx = int64((uint64(v.Int) - uint64(r.IntMin)) / uint64(r.IntStep))
	case KindReal:
		idx = int64(math.Round((v.Real - r.RealMin) / r.RealStep))
	default:
		idx = -1
		for i, s := range r.Values {
			if s == v.Str {
				idx = int64(i)
				break
			}
		}
	}
	if idx < 0 || idx >= r.MaxIdx() {
		return 0, fmt.Errorf("%w: %s has no value %s", ErrIndexOutOfRange, r.Name, v)
	}
	return idx, nil
}

// Equal reports structural equality: same name, kind and bounds.
func (r Range) Equal(o Range) bool {
	if r.Name != o.Name || r.Kind != o.Kind {
		return false
	}
	switch r.Kind {
	case KindInt:
		return r.IntMin == o.IntMin && r.IntMax == o.IntMax && r.IntStep == o.IntStep
	case KindReal:
		return r.RealMin == o.RealMin && r.RealMax == o.RealMax && r.RealStep == o.RealStep
	case KindEnum:
		if len(r.Values) != len(o.Values) {
			return false
		}
		for i := range r.Values {
			if r.Values[i] != o.Values[i] {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// String renders the range the way operators write it, e.g. x:int[0,10,1].
func (r Range) String() string {
	switch r.Kind {
	case KindInt:
		return fmt.Sprintf("%s:int[%d,%d,%d]", r.Name, r.IntMin, r.IntMax, r.IntStep)
	case KindReal:
		return fmt.Sprintf("%s:real[%g,%g,%g]", r.Name, r.RealMin, r.RealMax, r.RealStep)
	case KindEnum:
		return fmt.Sprintf("%s:enum[%s]", r.Name, strings.Join(r.Values, ","))
	default:
		return r.Name + ":" + r.Kind.String()
	}
}

// Value is one concrete variable value.
type Value struct {
	Kind Kind
	Int  int64
	Real float64
	Str  string
}

// String formats the value.
func (v Value) String() string {
	switch v.Kind {
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindReal:
		return strconv.FormatFloat(v.Real, 'g', -1, 64)
	default:
		return v.Str
	}
}
