// Package handoff carries code generation batches from the session engine
// to the coordinator and round completions back. Two transports implement
// the same contract: an in-process Mailbox and a polled directory (Dir).
//
// Both guarantee that a batch is never partially visible to the consumer
// and that a completion stays available until the producer takes it.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrSlotFull reports a publish while the previous batch is unconsumed.
	ErrSlotFull = errors.New("handoff: previous batch not yet consumed")
	// ErrClosed reports use of a closed handoff.
	ErrClosed = errors.New("handoff: closed")
)

// Batch is one round of work: Text uses the "primary | secondary" format.
type Batch struct {
	App   string
	Round uint64
	Text  string
}

// Completion describes a finished primary round.
type Completion struct {
	App        string
	Round      uint64
	Units      int
	Failed     int
	FailedKeys []string
	// ShipErr is set when generated artifacts could not be transported.
	ShipErr string
}

// OK reports a round without failed units or transport errors.
func (c Completion) OK() bool {
	return c.Failed == 0 && c.ShipErr == ""
}

// String encodes the completion as a single line:
//
//	round=3 units=4 failed=1 keys=1 2 3;4 5 6 ship=
func (c Completion) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "round=%d units=%d failed=%d", c.Round, c.Units, c.Failed)
	if len(c.FailedKeys) > 0 {
		b.WriteString(" keys=")
		b.WriteString(strings.Join(c.FailedKeys, ";"))
	}
	if c.ShipErr != "" {
		b.WriteString(" ship=")
		b.WriteString(strconv.Quote(c.ShipErr))
	}
	return b.String()
}

// ParseCompletion decodes String output. An empty line decodes as a clean
// completion of round, which keeps zero-byte flag files meaningful.
func ParseCompletion(app string, round uint64, line string) (Completion, error) {
	c := Completion{App: app, Round: round}
	line = strings.TrimSpace(line)
	if line == "" {
		return c, nil
	}
	rest := line
	if idx := strings.Index(rest, " ship="); idx >= 0 {
		msg, err := strconv.Unquote(rest[idx+len(" ship="):])
		if err != nil {
			return Completion{}, fmt.Errorf("handoff: completion ship field: %w", err)
		}
		c.ShipErr = msg
		rest = rest[:idx]
	}
	if idx := strings.Index(rest, " keys="); idx >= 0 {
		for _, k := range strings.Split(rest[idx+len(" keys="):], ";") {
			if k = strings.TrimSpace(k); k != "" {
				c.FailedKeys = append(c.FailedKeys, k)
			}
		}
		rest = rest[:idx]
	}
	for _, field := range strings.Fields(rest) {
		name, value, ok := strings.Cut(field, "=")
		if !ok {
			return Completion{}, fmt.Errorf("handoff: malformed completion field %q", field)
		}
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return Completion{}, fmt.Errorf("handoff: completion field %s: %w", name, err)
		}
		switch name {
		case "round":
			c.Round = n
		case "units":
			c.Units = int(n)
		case "failed":
			c.Failed = int(n)
		}
	}
	return c, nil
}

// Producer is the session-engine side.
type Producer interface {
	// Publish makes b visible to the consumer atomically.
	Publish(ctx context.Context, b Batch) error
	// TakeCompletion returns and consumes the completion for round.
	TakeCompletion(round uint64) (Completion, bool, error)
}

// Consumer is the coordinator side.
type Consumer interface {
	// Next blocks until a batch is available or ctx ends.
	Next(ctx context.Context) (Batch, error)
	// Pending reports whether an unconsumed batch is waiting.
	Pending() bool
	// Complete publishes a persistent completion for a round.
	Complete(c Completion) error
}
