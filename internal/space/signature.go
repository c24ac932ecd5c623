package space

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Signature is the named, ordered set of variables defining a session's
// search space.
type Signature struct {
	Name   string
	Ranges []Range
}

// Validate checks the session name and every range, and rejects duplicate
// variable names.
func (s Signature) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("space: signature name required")
	}
	seen := make(map[string]struct{}, len(s.Ranges))
	for _, r := range s.Ranges {
		if err := r.Validate(); err != nil {
			return err
		}
		if _, dup := seen[r.Name]; dup {
			return fmt.Errorf("%w: duplicate variable %q", ErrInvalidRange, r.Name)
		}
		seen[r.Name] = struct{}{}
	}
	return nil
}

// Lookup returns the range with the supplied variable name.
func (s Signature) Lookup(name string) (Range, bool) {
	for _, r := range s.Ranges {
		if r.Name == name {
			return r, true
		}
	}
	return Range{}, false
}

// Dims returns the number of variables.
func (s Signature) Dims() int { return len(s.Ranges) }

// Size returns the number of points in the space, saturating at MaxInt64.
func (s Signature) Size() int64 {
	if len(s.Ranges) == 0 {
		return 0
	}
	total := int64(1)
	for _, r := range s.Ranges {
		n := r.MaxIdx()
		if n <= 0 {
			return 0
		}
		if total > (1<<63-1)/n {
			return 1<<63 - 1
		}
		total *= n
	}
	return total
}

// Match reports whether other describes the same space. Declaration order
// is ignored; names, kinds and bounds must agree exactly.
func (s Signature) Match(other Signature) error {
	if s.Name != other.Name {
		return fmt.Errorf("%w: session %q does not match %q", ErrIncompatible, other.Name, s.Name)
	}
	if len(s.Ranges) != len(other.Ranges) {
		return fmt.Errorf("%w: %d variables, session %q has %d", ErrIncompatible, len(other.Ranges), s.Name, len(s.Ranges))
	}
	mine := sortedRanges(s.Ranges)
	theirs := sortedRanges(other.Ranges)
	for i := range mine {
		if mine[i].Name != theirs[i].Name {
			return fmt.Errorf("%w: variable %q not defined by session %q", ErrIncompatible, theirs[i].Name, s.Name)
		}
		if !mine[i].Equal(theirs[i]) {
			return fmt.Errorf("%w: variable %s differs from session definition %s", ErrIncompatible, theirs[i], mine[i])
		}
	}
	return nil
}

// Equal is Match as a predicate.
func (s Signature) Equal(other Signature) bool {
	return s.Match(other) == nil
}

// Clone deep-copies the signature.
func (s Signature) Clone() Signature {
	out := Signature{Name: s.Name}
	if s.Ranges != nil {
		out.Ranges = make([]Range, len(s.Ranges))
		for i, r := range s.Ranges {
			r.Values = append([]string(nil), r.Values...)
			out.Ranges[i] = r
		}
	}
	return out
}

// String renders name followed by each range.
func (s Signature) String() string {
	parts := make([]string, 0, len(s.Ranges))
	for _, r := range s.Ranges {
		parts = append(parts, r.String())
	}
	return s.Name + "{" + strings.Join(parts, " ") + "}"
}

func sortedRanges(in []Range) []Range {
	out := append([]Range(nil), in...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ParseRange parses the textual form produced by Range.String:
//
//	x:int[0,10,1]  y:real[0.5,2.0,0.25]  algo:enum[a,b,c]
func ParseRange(text string) (Range, error) {
	text = strings.TrimSpace(text)
	colon := strings.IndexByte(text, ':')
	open := strings.IndexByte(text, '[')
	if colon <= 0 || open < colon || !strings.HasSuffix(text, "]") {
		return Range{}, fmt.Errorf("space: malformed range %q", text)
	}
	name := text[:colon]
	kind, err := ParseKind(text[colon+1 : open])
	if err != nil {
		return Range{}, err
	}
	body := text[open+1 : len(text)-1]
	fields := strings.Split(body, ",")
	var r Range
	switch kind {
	case KindInt:
		if len(fields) != 3 {
			return Range{}, fmt.Errorf("space: int range %q needs min,max,step", text)
		}
		var nums [3]int64
		for i, f := range fields {
			nums[i], err = strconv.ParseInt(strings.TrimSpace(f), 10, 64)
			if err != nil {
				return Range{}, fmt.Errorf("space: range %q: %w", text, err)
			}
		}
		r = IntRange(name, nums[0], nums[1], nums[2])
	case KindReal:
		if len(fields) != 3 {
			return Range{}, fmt.Errorf("space: real range %q needs min,max,step", text)
		}
		var nums [3]float64
		for i, f := range fields {
			nums[i], err = strconv.ParseFloat(strings.TrimSpace(f), 64)
			if err != nil {
				return Range{}, fmt.Errorf("space: range %q: %w", text, err)
			}
		}
		r = RealRange(name, nums[0], nums[1], nums[2])
	default:
		values := make([]string, 0, len(fields))
		for _, f := range fields {
			if f = strings.TrimSpace(f); f != "" {
				values = append(values, f)
			}
		}
		r = EnumRange(name, values...)
	}
	if err := r.Validate(); err != nil {
		return Range{}, err
	}
	return r, nil
}

// ParseSignature builds and validates a signature from textual ranges.
func ParseSignature(name string, ranges ...string) (Signature, error) {
	sig := Signature{Name: name}
	for _, text := range ranges {
		r, err := ParseRange(text)
		if err != nil {
			return Signature{}, err
		}
		sig.Ranges = append(sig.Ranges, r)
	}
	if err := sig.Validate(); err != nil {
		return Signature{}, err
	}
	return sig, nil
}
