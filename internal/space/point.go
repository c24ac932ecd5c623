package space

import (
	"fmt"
	"strconv"
	"strings"
)

// NoID marks a point that carries no configuration.
const NoID int64 = -1

// Point is one candidate configuration: an index per variable plus an id
// unique within its session.
type Point struct {
	ID    int64
	Step  int64
	Index []int64
}

// NoPoint returns the "no point" sentinel. It never carries an index.
func NoPoint() Point {
	return Point{ID: NoID}
}

// Valid reports whether the point carries a configuration.
func (p Point) Valid() bool {
	return p.ID >= 0
}

// Clone deep-copies the point.
func (p Point) Clone() Point {
	out := Point{ID: p.ID, Step: p.Step}
	if p.Index != nil {
		out.Index = append([]int64(nil), p.Index...)
	}
	return out
}

// Equal compares id, step and every index.
func (p Point) Equal(o Point) bool {
	if p.ID != o.ID || p.Step != o.Step || len(p.Index) != len(o.Index) {
		return false
	}
	for i := range p.Index {
		if p.Index[i] != o.Index[i] {
			return false
		}
	}
	return true
}

// SameConfig compares only the index vectors.
func (p Point) SameConfig(o Point) bool {
	if len(p.Index) != len(o.Index) {
		return false
	}
	for i := range p.Index {
		if p.Index[i] != o.Index[i] {
			return false
		}
	}
	return true
}

// Check verifies the point against sig.
func (p Point) Check(sig Signature) error {
	if !p.Valid() {
		if len(p.Index) != 0 {
			return fmt.Errorf("space: point id %d carries values", p.ID)
		}
		return nil
	}
	if len(p.Index) != len(sig.Ranges) {
		return fmt.Errorf("space: point %d has %d values, session %q has %d variables", p.ID, len(p.Index), sig.Name, len(sig.Ranges))
	}
	for i, r := range sig.Ranges {
		if p.Index[i] < 0 || p.Index[i] >= r.MaxIdx() {
			return fmt.Errorf("%w: %s[%d] (max %d)", ErrIndexOutOfRange, r.Name, p.Index[i], r.MaxIdx())
		}
	}
	return nil
}

// Values resolves every index against sig.
func (p Point) Values(sig Signature) ([]Value, error) {
	if err := p.Check(sig); err != nil {
		return nil, err
	}
	out := make([]Value, len(p.Index))
	for i, r := range sig.Ranges {
		v, err := r.Value(p.Index[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// IndexString joins the index vector with commas.
func (p Point) IndexString() string {
	parts := make([]string, len(p.Index))
	for i, v := range p.Index {
		parts[i] = strconv.FormatInt(v, 10)
	}
	return strings.Join(parts, ",")
}

// String renders the point for logs.
func (p Point) String() string {
	if !p.Valid() {
		return "point(none)"
	}
	return fmt.Sprintf("point(%d:[%s])", p.ID, p.IndexString())
}
