package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"pkt.systems/pslog"

	"pkt.systems/harmonyd/internal/cfgstore"
	"pkt.systems/harmonyd/internal/history"
	"pkt.systems/harmonyd/internal/plugin"
	"pkt.systems/harmonyd/internal/prefetch"
	"pkt.systems/harmonyd/internal/space"
	"pkt.systems/harmonyd/internal/strategy"
	"pkt.systems/harmonyd/internal/svcfields"
	"pkt.systems/harmonyd/internal/wire"
)

// Session config keys read at launch.
const (
	KeyStrategy       = "session.strategy"
	KeyPlugins        = "session.plugins"
	KeyPrefetchCount  = "prefetch.count"
	KeyPrefetchAtomic = "prefetch.atomic"
)

// DefaultStrategy is used when neither the launch nor the server store
// names one.
const DefaultStrategy = "random"

// Session is one live tuning session: a signature, its config layer and
// the chain wrapping its strategy. It is owned by the dispatch loop.
type Session struct {
	Name      string
	Instance  string
	Signature space.Signature
	Config    *cfgstore.Store
	Strategy  string
	Plugins   []string
	Created   time.Time

	guard   *strategy.Guarded
	chain   *plugin.Chain
	queue   *prefetch.Queue
	logger  pslog.Logger
	metrics *sessionMetrics

	lastID  int64
	stamp   int64
	members int
	fetches int64
	reports int64
	codegen bool
}

// fetchResult is the outcome of one client fetch.
type fetchResult struct {
	point     space.Point
	best      space.Point
	status    wire.Status
	converged bool
}

func (e *Engine) launch(ctx context.Context, sig space.Signature, pairs []wire.Pair) (*Session, error) {
	if err := sig.Validate(); err != nil {
		return nil, failf(CodeSessionStart, "%v", err)
	}
	if !history.ValidSessionName(sig.Name) {
		return nil, failf(CodeSessionStart, "invalid session name %q", sig.Name)
	}
	store := e.config.Child()
	for _, p := range pairs {
		if _, err := store.Set(p.Key, p.Value); err != nil {
			return nil, failf(CodeSessionStart, "config %q: %v", p.Key, err)
		}
	}
	s := &Session{
		Name:      sig.Name,
		Instance:  uuid.Must(uuid.NewV7()).String(),
		Signature: sig.Clone(),
		Config:    store,
		Strategy:  store.String(KeyStrategy, DefaultStrategy),
		Plugins:   store.List(KeyPlugins),
		Created:   e.clock.Now(),
		metrics:   e.metrics,
	}
	s.logger = svcfields.WithSession(e.logger, s.Name).With("instance", s.Instance)
	for _, name := range s.Plugins {
		if name != "codegen" {
			continue
		}
		if e.codegenOwner != "" {
			return nil, failf(CodeSessionStart, "code generation is already attached to session %q", e.codegenOwner)
		}
		s.codegen = true
	}

	inner, err := e.strategies.New(s.Strategy)
	if err != nil {
		return nil, failf(CodeSessionStart, "%v", err)
	}
	s.guard = strategy.Guard(inner, e.strategyTimeout, e.clock)
	if err := s.guard.Init(ctx, strategy.Env{
		Session:   s.Name,
		Signature: s.Signature,
		Config:    store,
		Logger:    s.logger,
		Clock:     e.clock,
	}); err != nil {
		return nil, failf(CodeSessionStart, "strategy %s: %v", s.Strategy, err)
	}
	plugins, err := plugin.Build(ctx, e.plugins, s.Plugins, plugin.Env{
		Session:   s.Name,
		Signature: s.Signature,
		Config:    store,
		Logger:    s.logger,
		Clock:     e.clock,
		Handoff:   e.handoff,
		App:       e.app,
	})
	if err != nil {
		return nil, failf(CodeSessionStart, "%v", err)
	}
	s.chain = plugin.NewChain(s.guard, plugins, s.allocID, s.logger)

	if k := store.Int(KeyPrefetchCount, 0); k > 0 {
		q, err := prefetch.New(k, store.Bool(KeyPrefetchAtomic, false))
		if err != nil {
			_ = s.chain.Close()
			return nil, failf(CodeSessionStart, "%v", err)
		}
		s.queue = q
	}
	if s.codegen {
		e.codegenOwner = s.Name
	}
	s.logger.Info("session.launch",
		"strategy", s.Strategy,
		"plugins", s.Plugins,
		"signature", s.Signature.String(),
		"prefetch", store.Int(KeyPrefetchCount, 0),
	)
	return s, nil
}

func (s *Session) allocID() int64 {
	s.lastID++
	return s.lastID
}

func (s *Session) best() space.Point {
	pt, _ := s.guard.Best()
	return pt
}

func (s *Session) converged() bool {
	return s.guard.Converged()
}

// fetch serves one client FETCH, from the ring when prefetching.
func (s *Session) fetch(ctx context.Context) (fetchResult, error) {
	res := fetchResult{point: space.NoPoint(), best: s.best(), status: wire.StatusBusy}
	if s.converged() && res.best.Valid() {
		res.point = res.best.Clone()
		res.status = wire.StatusOK
		res.converged = true
		return res, nil
	}
	if s.queue != nil {
		if !s.queue.Ready() {
			return res, nil
		}
		pt, err := s.queue.Dequeue()
		if err != nil {
			return res, err
		}
		res.point, res.status = pt, wire.StatusOK
		s.fetches++
		return res, nil
	}
	pt, verdict, err := s.chain.Fetch(ctx)
	switch verdict {
	case plugin.Continue:
		res.point, res.status = pt, wire.StatusOK
		s.fetches++
	case plugin.Fail:
		return res, err
	}
	return res, nil
}

// report threads a trial through the chain. A Busy verdict is surfaced to
// the client and leaves no trace; Drop is a silent success.
func (s *Session) report(ctx context.Context, trial strategy.Trial) (wire.Status, error) {
	verdict, err := s.chain.Report(ctx, trial)
	if verdict == plugin.Busy {
		return wire.StatusBusy, nil
	}
	if s.queue != nil {
		s.queue.Release(trial.Point.ID)
	}
	if verdict == plugin.Fail {
		return wire.StatusFail, err
	}
	s.reports++
	return wire.StatusOK, nil
}

// refill tops up the prefetch ring until it is full or the chain is busy.
func (s *Session) refill(ctx context.Context) {
	if s.queue == nil {
		return
	}
	for s.queue.CanEnqueue() {
		pt, verdict, err := s.chain.Fetch(ctx)
		switch verdict {
		case plugin.Continue:
			if err := s.queue.Enqueue(pt); err != nil {
				s.logger.Error("session.prefetch.overflow", "point", pt.ID, "error", err)
				return
			}
			s.logger.Trace("session.prefetch.enqueued", "point", pt.ID)
		case plugin.Fail:
			s.logger.Warn("session.prefetch.fetch_failed", "error", err)
			return
		default:
			s.recordDepth(ctx)
			return
		}
	}
	s.recordDepth(ctx)
}

func (s *Session) recordDepth(ctx context.Context) {
	if s.queue == nil {
		return
	}
	filled, _, _ := s.queue.Stats()
	s.metrics.recordDepth(ctx, s.Name, filled)
}

// release frees the prefetch slot of an abandoned point.
func (s *Session) release(pt space.Point) {
	if s.queue == nil || !pt.Valid() || !s.queue.Outstanding(pt.ID) {
		return
	}
	s.queue.Release(pt.ID)
	s.logger.Debug("session.prefetch.abandoned", "point", pt.ID)
}

func (s *Session) poll(ctx context.Context) {
	s.chain.Poll(ctx)
	s.refill(ctx)
}

func (s *Session) nextStamp() int64 {
	s.stamp++
	return s.stamp
}

func (s *Session) close() error {
	err := s.chain.Close()
	if err != nil {
		s.logger.Warn("session.close.plugins_failed", "error", err)
	}
	if s.guard.Stalled() {
		err = errors.Join(err, fmt.Errorf("session %s: strategy call still running", s.Name))
	}
	return err
}
