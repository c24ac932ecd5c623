// Package codegen deduplicates and dispatches code generation batches onto
// a worker pool, one round at a time.
package codegen

import (
	"fmt"
	"strconv"
	"strings"

	"pkt.systems/harmonyd/internal/workerpool"
)

// Key is the canonical form of a vector: decimal integers joined by a
// single space. Two vectors are the same unit iff their keys are equal.
type Key string

// KeyOf returns the canonical key for v.
func KeyOf(v []int64) Key {
	return Key(workerpool.FormatVector(v))
}

// ParseKey parses any whitespace-separated integer list into its vector and
// canonical key.
func ParseKey(text string) ([]int64, Key, error) {
	fields := strings.Fields(text)
	v := make([]int64, len(fields))
	for i, f := range fields {
		n, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("codegen: malformed integer %q in unit %q", f, strings.TrimSpace(text))
		}
		v[i] = n
	}
	return v, KeyOf(v), nil
}

// Vector decodes the key. Keys built with KeyOf always decode.
func (k Key) Vector() []int64 {
	v, _, err := ParseKey(string(k))
	if err != nil {
		return nil
	}
	return v
}

// Slug is the key as a path element.
func (k Key) Slug() string {
	return workerpool.Slug(k.Vector())
}

func (k Key) String() string { return string(k) }

// Unit is one vector awaiting generation.
type Unit struct {
	Key      Key
	Vector   []int64
	Primary  bool
	Attempts int
	// LastSlot is the slot of the last failed attempt, or -1.
	LastSlot int
}

func (u Unit) job() workerpool.Job {
	return workerpool.Job{Key: string(u.Key), Vector: u.Vector}
}

// Batch is a parsed "primary | secondary" batch.
type Batch struct {
	Primary   []Unit
	Secondary []Unit
}

// ParseBatch parses "<units> | <units>" where unit lists are ':' separated
// and each unit is a space separated integer vector. Empty units are
// skipped. Duplicates are kept; dedup happens against the memo.
func ParseBatch(text string) (Batch, error) {
	primaryText, secondaryText, _ := strings.Cut(text, "|")
	primary, err := parseUnits(primaryText, true)
	if err != nil {
		return Batch{}, err
	}
	secondary, err := parseUnits(secondaryText, false)
	if err != nil {
		return Batch{}, err
	}
	return Batch{Primary: primary, Secondary: secondary}, nil
}

func parseUnits(text string, primary bool) ([]Unit, error) {
	var units []Unit
	for _, part := range strings.Split(text, ":") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		v, key, err := ParseKey(part)
		if err != nil {
			return nil, err
		}
		units = append(units, Unit{Key: key, Vector: v, Primary: primary, LastSlot: -1})
	}
	return units, nil
}

// FormatBatch renders primary and secondary vectors in batch format.
func FormatBatch(primary, secondary [][]int64) string {
	join := func(vs [][]int64) string {
		parts := make([]string, len(vs))
		for i, v := range vs {
			parts[i] = string(KeyOf(v))
		}
		return strings.Join(parts, " : ")
	}
	if len(secondary) == 0 {
		return join(primary)
	}
	return join(primary) + " | " + join(secondary)
}
