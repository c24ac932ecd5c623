// Package workerpool runs code generation units as child processes, one per
// slot, across a fixed set of worker host slots.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrSlotBusy reports a start on a slot that already runs a child.
	ErrSlotBusy = errors.New("workerpool: slot busy")
	// ErrUnknownSlot reports a slot id outside the pool.
	ErrUnknownSlot = errors.New("workerpool: unknown slot")
	// ErrIdle reports a Wait with no running or unreaped children.
	ErrIdle = errors.New("workerpool: no children to wait for")
	// ErrClosed reports use of a closed pool.
	ErrClosed = errors.New("workerpool: closed")
)

// Slot is one concurrent execution lane on a worker host.
type Slot struct {
	ID   int
	Host string
}

func (s Slot) String() string {
	return s.Host + "#" + strconv.Itoa(s.ID)
}

// Job is one unit of work: the canonical key and the integer vector.
type Job struct {
	Key    string
	Vector []int64
}

// Result is the outcome of one finished child.
type Result struct {
	Slot     Slot
	Job      Job
	ExitCode int
	Err      error
	TimedOut bool
	Duration time.Duration
	// Output holds the tail of the child's combined output.
	Output string
}

// OK reports a clean exit.
func (r Result) OK() bool {
	return r.Err == nil && r.ExitCode == 0 && !r.TimedOut
}

// Pool executes jobs on slots. A pool never runs more than len(Slots())
// children at once.
type Pool interface {
	Slots() []Slot
	Start(ctx context.Context, slot Slot, job Job) error
	// Wait blocks until any child finishes.
	Wait(ctx context.Context) (Result, error)
	Running() int
	Close() error
}

// ParseHosts expands "host[*n],..." into slots, numbered from zero.
func ParseHosts(spec string) ([]Slot, error) {
	var slots []Slot
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		host, countText, hasCount := strings.Cut(part, "*")
		host = strings.TrimSpace(host)
		count := 1
		if hasCount {
			n, err := strconv.Atoi(strings.TrimSpace(countText))
			if err != nil || n < 1 {
				return nil, fmt.Errorf("workerpool: invalid slot count in %q", part)
			}
			count = n
		}
		if host == "" {
			return nil, fmt.Errorf("workerpool: empty host in %q", part)
		}
		for range count {
			slots = append(slots, Slot{ID: len(slots), Host: host})
		}
	}
	if len(slots) == 0 {
		return nil, fmt.Errorf("workerpool: no worker hosts configured")
	}
	return slots, nil
}

// FormatVector renders a vector the way scripts receive it: "1 2 3".
func FormatVector(v []int64) string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = strconv.FormatInt(n, 10)
	}
	return strings.Join(parts, " ")
}
