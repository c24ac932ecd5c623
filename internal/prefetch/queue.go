// Package prefetch implements the fixed-capacity ring of points computed
// ahead of client requests.
package prefetch

import (
	"errors"
	"fmt"

	"pkt.systems/harmonyd/internal/space"
)

var (
	// ErrOverflow reports an enqueue into an occupied slot.
	ErrOverflow = errors.New("prefetch: enqueue into occupied slot")
	// ErrUnderflow reports a dequeue from a slot holding no ready point.
	ErrUnderflow = errors.New("prefetch: dequeue from empty slot")
)

// SlotState is the occupancy of one ring slot.
type SlotState uint8

const (
	// SlotEmpty may be filled by the producer.
	SlotEmpty SlotState = iota
	// SlotFilled holds a point waiting for a client.
	SlotFilled
	// SlotOutstanding holds a point handed to a client and not yet reported.
	SlotOutstanding
	// SlotReported holds a reported point of an atomic batch that has not
	// fully drained.
	SlotReported
)

func (s SlotState) String() string {
	switch s {
	case SlotEmpty:
		return "empty"
	case SlotFilled:
		return "filled"
	case SlotOutstanding:
		return "outstanding"
	case SlotReported:
		return "reported"
	default:
		return fmt.Sprintf("state(%d)", s)
	}
}

// Slot is one ring entry.
type Slot struct {
	Point space.Point
	State SlotState
}

// Queue is a ring of Capacity slots. It is not safe for concurrent use;
// the dispatch loop owns it.
type Queue struct {
	slots  []Slot
	head   int
	tail   int
	atomic bool
}

// New returns a queue of the given capacity. In atomic mode slots are only
// recycled after every point of the batch has been reported.
func New(capacity int, atomic bool) (*Queue, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("prefetch: capacity must be > 0, got %d", capacity)
	}
	return &Queue{slots: make([]Slot, capacity), atomic: atomic}, nil
}

// Capacity returns K.
func (q *Queue) Capacity() int { return len(q.slots) }

// Atomic reports whether batch mode is on.
func (q *Queue) Atomic() bool { return q.atomic }

// CanEnqueue reports whether the producer may fill the next slot.
func (q *Queue) CanEnqueue() bool {
	return q.slots[q.tail].State == SlotEmpty
}

// Enqueue stores p in the next slot.
func (q *Queue) Enqueue(p space.Point) error {
	s := &q.slots[q.tail]
	if s.State != SlotEmpty {
		return fmt.Errorf("%w: slot %d is %s", ErrOverflow, q.tail, s.State)
	}
	s.Point = p.Clone()
	s.State = SlotFilled
	q.tail = (q.tail + 1) % len(q.slots)
	return nil
}

// Ready reports whether a point is waiting at the head.
func (q *Queue) Ready() bool {
	return q.slots[q.head].State == SlotFilled
}

// Dequeue hands the head point out and marks its slot outstanding.
func (q *Queue) Dequeue() (space.Point, error) {
	s := &q.slots[q.head]
	if s.State != SlotFilled {
		return space.NoPoint(), fmt.Errorf("%w: slot %d is %s", ErrUnderflow, q.head, s.State)
	}
	s.State = SlotOutstanding
	q.head = (q.head + 1) % len(q.slots)
	return s.Point.Clone(), nil
}

// Release records the report for an outstanding point. It returns false
// when no outstanding slot holds pointID (stale or duplicate reports).
func (q *Queue) Release(pointID int64) bool {
	idx := q.find(pointID)
	if idx < 0 {
		return false
	}
	if !q.atomic {
		q.slots[idx] = Slot{}
		return true
	}
	q.slots[idx].State = SlotReported
	for _, s := range q.slots {
		if s.State != SlotReported {
			return true
		}
	}
	for i := range q.slots {
		q.slots[i] = Slot{}
	}
	return true
}

func (q *Queue) find(pointID int64) int {
	for i, s := range q.slots {
		if s.State == SlotOutstanding && s.Point.ID == pointID {
			return i
		}
	}
	return -1
}

// Outstanding reports whether pointID was handed out and not yet reported.
func (q *Queue) Outstanding(pointID int64) bool {
	return q.find(pointID) >= 0
}

// Stats counts slots by state.
func (q *Queue) Stats() (filled, outstanding, reported int) {
	for _, s := range q.slots {
		switch s.State {
		case SlotFilled:
			filled++
		case SlotOutstanding:
			outstanding++
		case SlotReported:
			reported++
		}
	}
	return filled, outstanding, reported
}

// Snapshot copies the ring for diagnostics.
func (q *Queue) Snapshot() []Slot {
	out := make([]Slot, len(q.slots))
	for i, s := range q.slots {
		out[i] = Slot{Point: s.Point.Clone(), State: s.State}
	}
	return out
}
