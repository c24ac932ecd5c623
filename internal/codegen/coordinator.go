package codegen

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/rs/xid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/harmonyd/internal/clock"
	"pkt.systems/harmonyd/internal/handoff"
	"pkt.systems/harmonyd/internal/svcfields"
	"pkt.systems/harmonyd/internal/workerpool"
)

// DefaultRetries is the number of extra attempts a failed unit gets.
const DefaultRetries = 1

// Shipper copies generated artifacts to the execution target.
type Shipper interface {
	Ship(ctx context.Context, keys []Key) error
}

// Options wires a Coordinator.
type Options struct {
	Pool     workerpool.Pool
	Consumer handoff.Consumer
	// Generated holds keys generated or in flight. Defaults to memory.
	Generated Memo
	// Unshipped holds keys generated but not yet shipped. Defaults to memory.
	Unshipped Memo
	// Shipper may be nil.
	Shipper Shipper
	// Retries is the per-unit retry budget; negative disables retries.
	Retries int
	Logger  pslog.Logger
	Clock   clock.Clock
}

// Coordinator consumes batches from a handoff and runs them on a pool.
type Coordinator struct {
	pool      workerpool.Pool
	consumer  handoff.Consumer
	generated Memo
	unshipped Memo
	shipper   Shipper
	retries   int
	logger    pslog.Logger
	clock     clock.Clock
	metrics   *codegenMetrics
	tracer    trace.Tracer
}

// New validates opts and returns a coordinator.
func New(opts Options) (*Coordinator, error) {
	if opts.Pool == nil {
		return nil, fmt.Errorf("codegen: worker pool required")
	}
	if len(opts.Pool.Slots()) == 0 {
		return nil, fmt.Errorf("codegen: worker pool has no slots")
	}
	if opts.Consumer == nil {
		return nil, fmt.Errorf("codegen: handoff consumer required")
	}
	if opts.Generated == nil {
		opts.Generated = NewMemoryMemo()
	}
	if opts.Unshipped == nil {
		opts.Unshipped = NewMemoryMemo()
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	logger := svcfields.WithSubsystem(svcfields.Ensure(opts.Logger), "codegen.coordinator")
	return &Coordinator{
		pool:      opts.Pool,
		consumer:  opts.Consumer,
		generated: opts.Generated,
		unshipped: opts.Unshipped,
		shipper:   opts.Shipper,
		retries:   opts.Retries,
		logger:    logger,
		clock:     clock.Ensure(opts.Clock),
		metrics:   newCodegenMetrics(logger),
		tracer:    otel.Tracer("pkt.systems/harmonyd/codegen"),
	}, nil
}

// Run processes batches until ctx ends or the handoff closes.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("codegen.coordinator.start", "slots", len(c.pool.Slots()), "retries", c.retries)
	defer c.logger.Info("codegen.coordinator.stop")
	for {
		batch, err := c.consumer.Next(ctx)
		if err != nil {
			if errors.Is(err, handoff.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("codegen: await batch: %w", err)
		}
		if _, err := c.RunRound(ctx, batch); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// RunRound runs the primary units of batch, signals completion, then runs
// the secondary units until a new batch is pending.
func (c *Coordinator) RunRound(ctx context.Context, batch handoff.Batch) (handoff.Completion, error) {
	roundID := xid.New().String()
	logger := c.logger.With(svcfields.RoundKey, batch.Round, "round_id", roundID)
	ctx, span := c.tracer.Start(ctx, "harmonyd.codegen.round", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(
		attribute.String("harmonyd.codegen.app", batch.App),
		attribute.Int64("harmonyd.codegen.round", int64(batch.Round)),
		attribute.String("harmonyd.codegen.round_id", roundID),
	)
	started := c.clock.Now()

	comp := handoff.Completion{App: batch.App, Round: batch.Round}
	parsed, err := ParseBatch(batch.Text)
	if err != nil {
		// A malformed batch still completes, so the producer never waits on it.
		logger.Warn("codegen.round.malformed", "error", err)
		comp.ShipErr = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed_batch")
		return comp, c.consumer.Complete(comp)
	}

	queue, reship, err := c.dedup(parsed.Primary)
	if err != nil {
		return comp, err
	}
	logger.Info("codegen.round.primary.begin", "units", len(parsed.Primary), "dispatch", len(queue), "deduplicated", len(parsed.Primary)-len(queue))
	done, failed, _, err := c.dispatch(ctx, logger, queue, nil)
	if err != nil {
		span.RecordError(err)
		return comp, err
	}
	comp.Units = len(queue)
	comp.Failed = len(failed)
	for _, u := range failed {
		comp.FailedKeys = append(comp.FailedKeys, string(u.Key))
		c.forget(u.Key)
	}
	if err := c.ship(ctx, append(reship, keysOf(done)...)); err != nil {
		comp.ShipErr = err.Error()
		logger.Warn("codegen.round.ship_failed", "error", err)
	}
	elapsed := clock.Since(c.clock, started)
	c.metrics.recordRound(ctx, elapsed, comp.Failed)
	if !comp.OK() {
		span.SetStatus(codes.Error, "partial_round")
	}
	if err := c.consumer.Complete(comp); err != nil {
		return comp, fmt.Errorf("codegen: signal completion of round %d: %w", batch.Round, err)
	}
	logger.Info("codegen.round.primary.complete", "units", comp.Units, "failed", comp.Failed, "elapsed", elapsed)

	if len(parsed.Secondary) == 0 {
		return comp, nil
	}
	secondary, _, err := c.dedup(parsed.Secondary)
	if err != nil {
		return comp, err
	}
	logger.Debug("codegen.round.secondary.begin", "dispatch", len(secondary))
	done, failed, abandoned, err := c.dispatch(ctx, logger, secondary, c.consumer.Pending)
	if err != nil {
		return comp, err
	}
	for _, u := range append(failed, abandoned...) {
		c.forget(u.Key)
	}
	if err := c.ship(ctx, keysOf(done)); err != nil {
		logger.Warn("codegen.round.secondary.ship_failed", "error", err)
	}
	logger.Debug("codegen.round.secondary.complete", "generated", len(done), "failed", len(failed), "preempted", len(abandoned))
	return comp, nil
}

// dedup filters units already in the memo. Memo hits that were never
// shipped are returned separately so the round ships them again.
func (c *Coordinator) dedup(units []Unit) ([]Unit, []Key, error) {
	var queue []Unit
	var reship []Key
	for _, u := range units {
		added, err := c.generated.Add(u.Key)
		if err != nil {
			return nil, nil, err
		}
		if added {
			if _, err := c.unshipped.Add(u.Key); err != nil {
				return nil, nil, err
			}
			queue = append(queue, u)
			continue
		}
		c.metrics.recordUnit(context.Background(), "deduplicated", u.Primary)
		pending, err := c.unshipped.Contains(u.Key)
		if err != nil {
			return nil, nil, err
		}
		if pending && !slices.Contains(reship, u.Key) && !containsUnit(queue, u.Key) {
			reship = append(reship, u.Key)
		}
	}
	return queue, reship, nil
}

// dispatch runs units FIFO on free slots and returns once every started
// child has been reaped. When preempt reports true, no further units start
// and the rest are returned as abandoned.
func (c *Coordinator) dispatch(ctx context.Context, logger pslog.Logger, units []Unit, preempt func() bool) (done, failed, abandoned []Unit, err error) {
	slots := c.pool.Slots()
	free := make([]workerpool.Slot, len(slots))
	copy(free, slots)
	running := make(map[int]Unit, len(slots))
	queue := append([]Unit(nil), units...)

	for len(queue) > 0 || len(running) > 0 {
		for len(queue) > 0 && len(free) > 0 {
			if preempt != nil && preempt() {
				logger.Info("codegen.round.secondary.preempted", "abandoned", len(queue), "running", len(running))
				abandoned = append(abandoned, queue...)
				queue = nil
				break
			}
			u := queue[0]
			idx := pickSlot(free, u.LastSlot, len(running) > 0)
			if idx < 0 {
				break
			}
			queue = queue[1:]
			slot := free[idx]
			if startErr := c.pool.Start(ctx, slot, u.job()); startErr != nil {
				if ctx.Err() != nil {
					return done, failed, abandoned, ctx.Err()
				}
				logger.Warn("codegen.unit.start_failed", "unit", string(u.Key), "slot", slot.String(), "error", startErr)
				u.Attempts++
				u.LastSlot = slot.ID
				if u.Attempts <= c.retries {
					queue = append(queue, u)
				} else {
					failed = append(failed, u)
					c.metrics.recordUnit(ctx, "failed", u.Primary)
				}
				continue
			}
			free = append(free[:idx], free[idx+1:]...)
			running[slot.ID] = u
		}
		if len(running) == 0 {
			continue
		}
		res, waitErr := c.pool.Wait(ctx)
		if waitErr != nil {
			return done, failed, abandoned, fmt.Errorf("codegen: wait for worker: %w", waitErr)
		}
		u, ok := running[res.Slot.ID]
		if !ok {
			logger.Warn("codegen.unit.unknown_slot", "slot", res.Slot.String())
			continue
		}
		delete(running, res.Slot.ID)
		free = append(free, res.Slot)
		if res.OK() {
			done = append(done, u)
			c.metrics.recordUnit(ctx, "generated", u.Primary)
			logger.Debug("codegen.unit.done", "unit", string(u.Key), "slot", res.Slot.String(), "elapsed", res.Duration)
			continue
		}
		u.Attempts++
		u.LastSlot = res.Slot.ID
		if u.Attempts <= c.retries {
			c.metrics.recordUnit(ctx, "retried", u.Primary)
			logger.Warn("codegen.unit.retry", "unit", string(u.Key), "slot", res.Slot.String(), "attempt", u.Attempts, "exit", res.ExitCode, "timed_out", res.TimedOut)
			queue = append(queue, u)
			continue
		}
		failed = append(failed, u)
		c.metrics.recordUnit(ctx, "failed", u.Primary)
		logger.Error("codegen.unit.failed", "unit", string(u.Key), "slot", res.Slot.String(), "attempts", u.Attempts, "exit", res.ExitCode, "timed_out", res.TimedOut, "output", res.Output)
	}
	return done, failed, abandoned, nil
}

// pickSlot prefers a free slot other than avoid. When avoid is the only
// free slot and another child is still running, it returns -1 so the
// caller reaps first.
func pickSlot(free []workerpool.Slot, avoid int, canWait bool) int {
	for i, s := range free {
		if s.ID != avoid {
			return i
		}
	}
	if canWait {
		return -1
	}
	return 0
}

func (c *Coordinator) ship(ctx context.Context, keys []Key) error {
	if len(keys) == 0 {
		return nil
	}
	if c.shipper != nil {
		if err := c.shipper.Ship(ctx, keys); err != nil {
			return err
		}
	}
	for _, k := range keys {
		if err := c.unshipped.Remove(k); err != nil {
			return err
		}
	}
	return nil
}

// forget drops a key that was never generated so a later batch retries it.
func (c *Coordinator) forget(k Key) {
	if err := c.generated.Remove(k); err != nil {
		c.logger.Warn("codegen.memo.remove_failed", "unit", string(k), "error", err)
	}
	if err := c.unshipped.Remove(k); err != nil {
		c.logger.Warn("codegen.memo.remove_failed", "unit", string(k), "error", err)
	}
}

func keysOf(units []Unit) []Key {
	out := make([]Key, len(units))
	for i, u := range units {
		out[i] = u.Key
	}
	return out
}

func containsUnit(units []Unit, k Key) bool {
	for _, u := range units {
		if u.Key == k {
			return true
		}
	}
	return false
}
