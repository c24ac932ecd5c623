package plugin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/harmonyd/internal/cfgstore"
	"pkt.systems/harmonyd/internal/clock"
	"pkt.systems/harmonyd/internal/codegen"
	"pkt.systems/harmonyd/internal/handoff"
	"pkt.systems/harmonyd/internal/space"
	"pkt.systems/harmonyd/internal/svcfields"
)

// StatusKey is the config key the codegen plugin keeps current.
const StatusKey = "codegen.status"

// Codegen holds fetched points until code for them has been generated.
// Points are collected into primary batches of codegen.batch units and
// published through the handoff; each point is released once the round
// containing it completes. codegen.flush publishes a partial batch after
// the given delay, codegen.neighbors adds up to that many neighbouring
// vectors per batch as secondary units.
type Codegen struct {
	producer  handoff.Producer
	app       string
	logger    pslog.Logger
	clock     clock.Clock
	config    *cfgstore.Store
	sig       space.Signature
	batchSize int
	flush     time.Duration
	neighbors int

	round     uint64
	collect   []space.Point
	collectAt time.Time
	waiting   map[int64]uint64
	inflight  map[uint64][]int64
	released  map[int64]bool
	failed    int
}

func (c *Codegen) Name() string { return "codegen" }

func (c *Codegen) Init(_ context.Context, env Env) error {
	if env.Handoff == nil {
		return errors.New("code generation is not enabled on this server")
	}
	c.producer = env.Handoff
	c.app = env.App
	c.logger = svcfields.WithSubsystem(svcfields.Ensure(env.Logger), "session.plugin.codegen")
	c.clock = clock.Ensure(env.Clock)
	c.config = env.Config
	c.sig = env.Signature
	c.batchSize = 1
	c.flush = 0
	if env.Config != nil {
		c.batchSize = env.Config.Int("codegen.batch", 1)
		c.flush = env.Config.Duration("codegen.flush", 0)
		c.neighbors = env.Config.Int("codegen.neighbors", 0)
	}
	if c.batchSize < 1 {
		return fmt.Errorf("codegen.batch must be >= 1, got %d", c.batchSize)
	}
	c.waiting = make(map[int64]uint64)
	c.inflight = make(map[uint64][]int64)
	c.released = make(map[int64]bool)
	c.setStatus("idle")
	return nil
}

// Busy holds back the strategy while a full batch waits to be published.
func (c *Codegen) Busy() bool {
	return len(c.collect) >= c.batchSize
}

func (c *Codegen) Fetch(ctx context.Context, pt *space.Point) Result {
	if c.released[pt.ID] {
		delete(c.released, pt.ID)
		return Proceed()
	}
	if _, ok := c.waiting[pt.ID]; ok {
		return Hold()
	}
	if len(c.collect) == 0 {
		c.collectAt = c.clock.Now()
	}
	c.collect = append(c.collect, pt.Clone())
	c.waiting[pt.ID] = 0
	c.tryPublish(ctx, false)
	return Hold()
}

// Poll publishes pending batches and releases points of completed rounds.
func (c *Codegen) Poll(ctx context.Context) {
	c.tryPublish(ctx, c.flush > 0 && len(c.collect) > 0 && clock.Since(c.clock, c.collectAt) >= c.flush)
	for round, ids := range c.inflight {
		comp, ok, err := c.producer.TakeCompletion(round)
		if err != nil {
			c.logger.Warn("plugin.codegen.completion_failed", svcfields.RoundKey, round, "error", err)
			continue
		}
		if !ok {
			continue
		}
		delete(c.inflight, round)
		for _, id := range ids {
			delete(c.waiting, id)
			c.released[id] = true
		}
		c.failed += comp.Failed
		if comp.OK() {
			c.logger.Info("plugin.codegen.round_complete", svcfields.RoundKey, round, "units", comp.Units)
			c.setStatus(fmt.Sprintf("round %d complete", round))
		} else {
			c.logger.Warn("plugin.codegen.round_partial", svcfields.RoundKey, round, "units", comp.Units, "failed", comp.Failed, "keys", comp.FailedKeys, "ship_error", comp.ShipErr)
			c.setStatus(fmt.Sprintf("round %d complete with %d failed units", round, comp.Failed))
		}
	}
}

func (c *Codegen) tryPublish(ctx context.Context, force bool) {
	if len(c.collect) == 0 || (!force && len(c.collect) < c.batchSize) {
		return
	}
	round := c.round + 1
	primary := make([][]int64, len(c.collect))
	for i, pt := range c.collect {
		primary[i] = pt.Index
	}
	text := codegen.FormatBatch(primary, c.neighbourVectors(primary))
	err := c.producer.Publish(ctx, handoff.Batch{App: c.app, Round: round, Text: text})
	if errors.Is(err, handoff.ErrSlotFull) {
		return
	}
	if err != nil {
		c.logger.Warn("plugin.codegen.publish_failed", svcfields.RoundKey, round, "error", err)
		return
	}
	c.round = round
	ids := make([]int64, len(c.collect))
	for i, pt := range c.collect {
		ids[i] = pt.ID
		c.waiting[pt.ID] = round
	}
	c.inflight[round] = ids
	c.collect = nil
	c.logger.Info("plugin.codegen.published", svcfields.RoundKey, round, "units", len(ids))
	c.setStatus(fmt.Sprintf("round %d pending", round))
}

// neighbourVectors returns up to c.neighbors in-range vectors one step away
// from the primary ones.
func (c *Codegen) neighbourVectors(primary [][]int64) [][]int64 {
	if c.neighbors <= 0 {
		return nil
	}
	seen := make(map[codegen.Key]bool, len(primary))
	for _, v := range primary {
		seen[codegen.KeyOf(v)] = true
	}
	var out [][]int64
	for _, v := range primary {
		for dim := range v {
			for _, delta := range []int64{-1, 1} {
				n := append([]int64(nil), v...)
				n[dim] += delta
				if dim >= len(c.sig.Ranges) || n[dim] < 0 || n[dim] >= c.sig.Ranges[dim].MaxIdx() {
					continue
				}
				key := codegen.KeyOf(n)
				if seen[key] {
					continue
				}
				seen[key] = true
				out = append(out, n)
				if len(out) >= c.neighbors {
					return out
				}
			}
		}
	}
	return out
}

func (c *Codegen) setStatus(status string) {
	if c.config == nil {
		return
	}
	if _, err := c.config.Set(StatusKey, status); err != nil {
		c.logger.Warn("plugin.codegen.status_failed", "error", err)
	}
}

func (c *Codegen) Fini() error {
	if len(c.inflight) > 0 || len(c.collect) > 0 {
		c.logger.Info("plugin.codegen.abandoned", "rounds", len(c.inflight), "unpublished", len(c.collect))
	}
	return nil
}
