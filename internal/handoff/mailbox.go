package handoff

import (
	"context"
	"strings"
	"sync"
)

const (
	indicatorConsumed = '0'
	indicatorReady    = '1'
)

// segment is one mailbox slot. The indicator flips to ready only after the
// payload has been copied in, under the same lock.
type segment struct {
	app       string
	round     uint64
	indicator byte
	length    int
	payload   []byte
}

func (s *segment) store(app string, round uint64, text string) {
	s.app = app
	s.round = round
	s.payload = append(s.payload[:0], text...)
	s.length = len(s.payload)
	s.indicator = indicatorReady
}

func (s *segment) text() string {
	return string(s.payload[:s.length])
}

// Mailbox is the in-process handoff. The primary and secondary segments
// carry the two halves of a batch, the done segment holds completions until
// the producer takes them.
type Mailbox struct {
	mu        sync.Mutex
	primary   segment
	secondary segment
	done      map[uint64]Completion
	closed    bool

	wake    chan struct{}
	closeCh chan struct{}
	once    sync.Once
}

// NewMailbox returns an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{
		primary:   segment{indicator: indicatorConsumed},
		secondary: segment{indicator: indicatorConsumed},
		done:      make(map[uint64]Completion),
		wake:      make(chan struct{}, 1),
		closeCh:   make(chan struct{}),
	}
}

// Publish copies b into the segments and wakes the consumer.
func (m *Mailbox) Publish(ctx context.Context, b Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	primary, secondary := splitBatchText(b.Text)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.primary.indicator == indicatorReady {
		m.mu.Unlock()
		return ErrSlotFull
	}
	m.secondary.store(b.App, b.Round, secondary)
	m.primary.store(b.App, b.Round, primary)
	m.mu.Unlock()
	m.signal()
	return nil
}

// TakeCompletion removes and returns the completion for round.
func (m *Mailbox) TakeCompletion(round uint64) (Completion, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.done[round]
	if ok {
		delete(m.done, round)
	}
	return c, ok, nil
}

// Next waits for a published batch and marks it consumed.
func (m *Mailbox) Next(ctx context.Context) (Batch, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return Batch{}, ErrClosed
		}
		if m.primary.indicator == indicatorReady {
			b := Batch{App: m.primary.app, Round: m.primary.round, Text: joinBatchText(m.primary.text(), m.secondary.text())}
			m.primary.indicator = indicatorConsumed
			m.secondary.indicator = indicatorConsumed
			m.mu.Unlock()
			return b, nil
		}
		m.mu.Unlock()
		select {
		case <-ctx.Done():
			return Batch{}, ctx.Err()
		case <-m.closeCh:
			return Batch{}, ErrClosed
		case <-m.wake:
		}
	}
}

// Pending reports whether a batch is waiting.
func (m *Mailbox) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.primary.indicator == indicatorReady
}

// Complete stores c until the producer takes it.
func (m *Mailbox) Complete(c Completion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.done[c.Round] = c
	return nil
}

// Close wakes blocked consumers and rejects further use.
func (m *Mailbox) Close() error {
	m.once.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		close(m.closeCh)
	})
	return nil
}

func (m *Mailbox) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func splitBatchText(text string) (string, string) {
	primary, secondary, _ := strings.Cut(text, "|")
	return strings.TrimSpace(primary), strings.TrimSpace(secondary)
}

func joinBatchText(primary, secondary string) string {
	if secondary == "" {
		return primary
	}
	return primary + " | " + secondary
}
