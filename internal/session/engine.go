// Package session implements the per-client fetch/report state machine and
// the registry of clients and tuning sessions it runs against. The Engine is
// driven by a single dispatch loop and is not safe for concurrent use.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/harmonyd/internal/cfgstore"
	"pkt.systems/harmonyd/internal/clock"
	"pkt.systems/harmonyd/internal/handoff"
	"pkt.systems/harmonyd/internal/history"
	"pkt.systems/harmonyd/internal/plugin"
	"pkt.systems/harmonyd/internal/space"
	"pkt.systems/harmonyd/internal/strategy"
	"pkt.systems/harmonyd/internal/svcfields"
	"pkt.systems/harmonyd/internal/wire"
)

// DefaultStrategyTimeout bounds one strategy call.
const DefaultStrategyTimeout = 2 * time.Second

// Options wires an Engine.
type Options struct {
	// Config is the server store; session stores are layered over it.
	Config     *cfgstore.Store
	Strategies *strategy.Registry
	Plugins    *plugin.Registry
	// History receives each client's measurements when it leaves. Nil
	// keeps them in memory only.
	History *history.Log
	// Handoff is the code generation producer; nil disables the codegen
	// plugin.
	Handoff handoff.Producer
	App     string
	// StrategyTimeout bounds strategy calls; negative disables it.
	StrategyTimeout time.Duration
	Logger          pslog.Logger
	Clock           clock.Clock
}

// Engine answers protocol requests.
type Engine struct {
	config          *cfgstore.Store
	strategies      *strategy.Registry
	plugins         *plugin.Registry
	history         *history.Log
	handoff         handoff.Producer
	app             string
	strategyTimeout time.Duration
	logger          pslog.Logger
	clock           clock.Clock
	metrics         *sessionMetrics

	clients      *Registry
	sessions     map[string]*Session
	codegenOwner string
}

// NewEngine validates opts and returns an engine.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Strategies == nil {
		opts.Strategies = strategy.Builtins()
	}
	if opts.Plugins == nil {
		opts.Plugins = plugin.Builtins()
	}
	if opts.Config == nil {
		opts.Config = cfgstore.New(cfgstore.Options{})
	}
	if opts.History == nil {
		h, err := history.Open("")
		if err != nil {
			return nil, err
		}
		opts.History = h
	}
	if opts.StrategyTimeout == 0 {
		opts.StrategyTimeout = DefaultStrategyTimeout
	}
	if name, ok := opts.Config.Lookup(KeyStrategy); ok && !opts.Strategies.Has(name) {
		return nil, fmt.Errorf("session: default strategy %q: %w", name, strategy.ErrUnknownStrategy)
	}
	for _, name := range opts.Config.List(KeyPlugins) {
		if !opts.Plugins.Has(name) {
			return nil, fmt.Errorf("session: default plugin %q: %w", name, plugin.ErrUnknownPlugin)
		}
	}
	logger := svcfields.WithSubsystem(opts.Logger, "session.engine")
	return &Engine{
		config:          opts.Config,
		strategies:      opts.Strategies,
		plugins:         opts.Plugins,
		history:         opts.History,
		handoff:         opts.Handoff,
		app:             opts.App,
		strategyTimeout: opts.StrategyTimeout,
		logger:          logger,
		clock:           clock.Ensure(opts.Clock),
		metrics:         newSessionMetrics(logger),
		clients:         NewRegistry(),
		sessions:        make(map[string]*Session),
	}, nil
}

// Clients exposes the client registry.
func (e *Engine) Clients() *Registry { return e.clients }

// Handle dispatches one request received on conn and returns the reply.
func (e *Engine) Handle(ctx context.Context, conn ConnID, req wire.Message) wire.Message {
	start := e.clock.Now()
	rep, err := e.dispatch(ctx, conn, req)
	if err != nil {
		f := classify(err)
		rep = req.Fail(f.Code, f.Detail)
		level := e.logger.Debug
		if f.Code == CodeInternal || f.Code == CodeStrategy || f.Code == CodePlugin {
			level = e.logger.Warn
		}
		level("session.request.failed", svcfields.ConnKey, uint64(conn), "type", req.Type.String(), "code", f.Code, "detail", f.Detail)
	}
	e.metrics.recordRequest(ctx, req.Type, rep.Status, clock.Since(e.clock, start))
	return rep
}

func (e *Engine) dispatch(ctx context.Context, conn ConnID, req wire.Message) (wire.Message, error) {
	if req.Status != wire.StatusReq {
		return wire.Message{}, failf(CodeBadRequest, "expected a request, got status %s", req.Status)
	}
	switch req.Type {
	case wire.TypeRegister:
		return e.register(ctx, conn, req)
	case wire.TypeSession:
		return e.launchOrJoin(ctx, conn, req)
	case wire.TypeJoin:
		return e.join(ctx, conn, req)
	case wire.TypeFetch:
		return e.fetch(ctx, conn, req)
	case wire.TypeReport:
		return e.report(ctx, conn, req)
	case wire.TypeQuery:
		return e.query(conn, req)
	case wire.TypeInform:
		return e.inform(conn, req)
	case wire.TypeUnregister:
		return e.unregister(ctx, conn, req)
	default:
		return wire.Message{}, failf(CodeBadRequest, "unsupported request %s", req.Type)
	}
}

func (e *Engine) client(conn ConnID) (*Client, error) {
	c, ok := e.clients.ByConn(conn)
	if !ok {
		return nil, failf(CodeNotRegistered, "connection has not registered")
	}
	return c, nil
}

func (e *Engine) boundClient(conn ConnID) (*Client, error) {
	c, err := e.client(conn)
	if err != nil {
		return nil, err
	}
	if c.Session == nil {
		return nil, failf(CodeNotJoined, "client %d has not joined a session", c.ID)
	}
	return c, nil
}

func (e *Engine) register(ctx context.Context, conn ConnID, req wire.Message) (wire.Message, error) {
	if cur, ok := e.clients.ByConn(conn); ok {
		if req.ID <= 0 || req.ID == cur.ID {
			rep := req.Reply(wire.StatusOK)
			rep.ID = cur.ID
			return rep, nil
		}
		e.teardown(ctx, cur, "reregister")
	}
	if req.ID < 0 {
		return wire.Message{}, failf(CodeBadRequest, "invalid prior id %d", req.ID)
	}
	c, migrated := e.clients.Register(conn, req.ID, e.clock.Now())
	c.UseSignals = req.Flags.Has(wire.FlagUseSignals)
	if !migrated {
		e.metrics.addClients(ctx, 1)
	}
	e.logger.Info("session.client.registered", svcfields.ClientKey, c.ID, svcfields.ConnKey, uint64(conn), "migrated", migrated, "use_signals", c.UseSignals)
	rep := req.Reply(wire.StatusOK)
	rep.ID = c.ID
	rep.Src = c.ID
	return rep, nil
}

func (e *Engine) launchOrJoin(ctx context.Context, conn ConnID, req wire.Message) (wire.Message, error) {
	c, err := e.client(conn)
	if err != nil {
		return wire.Message{}, err
	}
	if req.Signature == nil {
		return wire.Message{}, failf(CodeBadRequest, "SESSION requires a signature")
	}
	s, ok := e.sessions[req.Signature.Name]
	if ok {
		if err := req.Signature.Match(s.Signature); err != nil {
			return wire.Message{}, &Failure{Code: CodeIncompatibleSignature, Detail: err.Error(), Err: err}
		}
	} else {
		s, err = e.launch(ctx, *req.Signature, req.Config)
		if err != nil {
			return wire.Message{}, err
		}
		e.sessions[s.Name] = s
		e.metrics.addSessions(ctx, 1)
		s.refill(ctx)
	}
	e.bind(ctx, c, s)
	return e.boundReply(req, c, s), nil
}

func (e *Engine) join(ctx context.Context, conn ConnID, req wire.Message) (wire.Message, error) {
	c, err := e.client(conn)
	if err != nil {
		return wire.Message{}, err
	}
	if req.Signature == nil {
		return wire.Message{}, failf(CodeBadRequest, "JOIN requires a signature")
	}
	s, ok := e.sessions[req.Signature.Name]
	if !ok {
		return wire.Message{}, failf(CodeUnknownSession, "no session named %q", req.Signature.Name)
	}
	// A name-only signature joins whatever the session defines.
	if len(req.Signature.Ranges) > 0 {
		if err := req.Signature.Match(s.Signature); err != nil {
			return wire.Message{}, &Failure{Code: CodeIncompatibleSignature, Detail: err.Error(), Err: err}
		}
	}
	e.bind(ctx, c, s)
	return e.boundReply(req, c, s), nil
}

func (e *Engine) boundReply(req wire.Message, c *Client, s *Session) wire.Message {
	rep := req.Reply(wire.StatusOK)
	rep.ID = c.ID
	sig := s.Signature.Clone()
	rep.Signature = &sig
	return rep
}

func (e *Engine) bind(ctx context.Context, c *Client, s *Session) {
	if c.Session == s {
		return
	}
	if c.Session != nil {
		e.leave(ctx, c)
	}
	c.Session = s
	c.State = StateBound
	s.members++
	e.logger.Info("session.client.bound", svcfields.ClientKey, c.ID, svcfields.SessionKey, s.Name, "members", s.members)
}

func (e *Engine) fetch(ctx context.Context, conn ConnID, req wire.Message) (wire.Message, error) {
	c, err := e.boundClient(conn)
	if err != nil {
		return wire.Message{}, err
	}
	s := c.Session
	res, err := s.fetch(ctx)
	if err != nil {
		return wire.Message{}, err
	}
	defer s.refill(ctx)
	rep := req.Reply(res.status)
	rep.Best = res.best
	if res.status != wire.StatusOK {
		s.logger.Trace("session.fetch.busy", svcfields.ClientKey, c.ID, "stalled", s.guard.Stalled(), "parked", s.chain.Parked())
		return rep, nil
	}
	rep.Point = res.point
	rep.Stamp = s.nextStamp()
	if res.converged {
		rep.Flags |= wire.FlagConverged
		c.State = StateConverged
		return rep, nil
	}
	c.Current = res.point.Clone()
	c.State = StateTesting
	s.logger.Debug("session.fetch", svcfields.ClientKey, c.ID, "point", res.point.ID, "idx", res.point.IndexString())
	return rep, nil
}

func (e *Engine) report(ctx context.Context, conn ConnID, req wire.Message) (wire.Message, error) {
	c, err := e.boundClient(conn)
	if err != nil {
		return wire.Message{}, err
	}
	s := c.Session
	if !req.Point.Valid() {
		return wire.Message{}, failf(CodeBadRequest, "REPORT requires a tested point")
	}
	if err := req.Point.Check(s.Signature); err != nil {
		return wire.Message{}, &Failure{Code: CodeBadRequest, Detail: err.Error(), Err: err}
	}
	now := e.clock.Now()
	status, err := s.report(ctx, strategy.Trial{Point: req.Point.Clone(), Perf: req.Perf, Client: c.ID, Stamp: req.Stamp})
	if err != nil {
		return wire.Message{}, err
	}
	if status == wire.StatusBusy {
		s.logger.Debug("session.report.busy", svcfields.ClientKey, c.ID, "point", req.Point.ID)
		rep := req.Reply(status)
		rep.Best = s.best()
		return rep, nil
	}
	defer s.refill(ctx)
	c.History = append(c.History, history.Entry{Index: append([]int64(nil), req.Point.Index...), Perf: req.Perf, Client: c.ID, Time: now})
	c.LastReport = now
	if c.Current.ID == req.Point.ID {
		c.Current = space.NoPoint()
	}
	c.State = StateBound
	if s.converged() {
		c.State = StateConverged
	}
	s.logger.Debug("session.report", svcfields.ClientKey, c.ID, "point", req.Point.ID, "perf", req.Perf, "status", status.String())
	rep := req.Reply(status)
	rep.Best = s.best()
	if s.converged() {
		rep.Flags |= wire.FlagConverged
	}
	return rep, nil
}

func (e *Engine) store(conn ConnID) *cfgstore.Store {
	if c, ok := e.clients.ByConn(conn); ok && c.Session != nil {
		return c.Session.Config
	}
	return e.config
}

func (e *Engine) query(conn ConnID, req wire.Message) (wire.Message, error) {
	val, err := e.store(conn).Get(req.Key)
	if err != nil {
		return wire.Message{}, err
	}
	rep := req.Reply(wire.StatusOK)
	rep.Key = req.Key
	rep.Value = val
	return rep, nil
}

func (e *Engine) inform(conn ConnID, req wire.Message) (wire.Message, error) {
	prev, err := e.store(conn).Set(req.Key, req.Value)
	if err != nil {
		return wire.Message{}, err
	}
	e.logger.Debug("session.config.inform", svcfields.ConnKey, uint64(conn), "key", req.Key)
	rep := req.Reply(wire.StatusOK)
	rep.Key = req.Key
	rep.Value = prev
	return rep, nil
}

func (e *Engine) unregister(ctx context.Context, conn ConnID, req wire.Message) (wire.Message, error) {
	c, err := e.client(conn)
	if err != nil {
		return wire.Message{}, err
	}
	e.teardown(ctx, c, "unregister")
	rep := req.Reply(wire.StatusOK)
	rep.ID = c.ID
	return rep, nil
}

// Disconnect tears down the client registered on conn, if any.
func (e *Engine) Disconnect(ctx context.Context, conn ConnID) {
	if c, ok := e.clients.ByConn(conn); ok {
		e.teardown(ctx, c, "disconnect")
	}
}

func (e *Engine) teardown(ctx context.Context, c *Client, reason string) {
	e.leave(ctx, c)
	e.clients.Remove(c)
	e.metrics.addClients(ctx, -1)
	e.logger.Info("session.client.unregistered", svcfields.ClientKey, c.ID, svcfields.ConnKey, uint64(c.Conn), "reason", reason)
}

// leave unbinds c from its session and appends its history.
func (e *Engine) leave(ctx context.Context, c *Client) {
	s := c.Session
	if s == nil {
		return
	}
	s.release(c.Current)
	if len(c.History) > 0 {
		n, err := e.history.Append(s.Name, c.History...)
		if err != nil {
			s.logger.Warn("session.history.append_failed", svcfields.ClientKey, c.ID, "error", err)
		} else {
			s.logger.Debug("session.history.appended", svcfields.ClientKey, c.ID, "entries", n)
		}
	}
	c.History = nil
	c.Current = space.NoPoint()
	c.Session = nil
	c.State = StateRegistered
	s.members--
	s.refill(ctx)
}

// Tick drives plugin polling and prefetch refills.
func (e *Engine) Tick(ctx context.Context) {
	for _, s := range e.sessions {
		s.poll(ctx)
	}
}

// Close tears down every client and finalizes every session.
func (e *Engine) Close(ctx context.Context) error {
	for _, c := range e.clients.Clients() {
		e.teardown(ctx, c, "shutdown")
	}
	var errs []error
	for name, s := range e.sessions {
		if err := s.close(); err != nil {
			errs = append(errs, err)
		}
		delete(e.sessions, name)
		e.metrics.addSessions(ctx, -1)
	}
	e.codegenOwner = ""
	return errors.Join(errs...)
}

// PrefetchInfo summarises a session's prefetch ring.
type PrefetchInfo struct {
	Capacity    int  `json:"capacity"`
	Atomic      bool `json:"atomic"`
	Filled      int  `json:"filled"`
	Outstanding int  `json:"outstanding"`
	Reported    int  `json:"reported"`
}

// Info is a point-in-time view of one session.
type Info struct {
	Name      string        `json:"name"`
	Instance  string        `json:"instance"`
	Signature string        `json:"signature"`
	Strategy  string        `json:"strategy"`
	Plugins   []string      `json:"plugins,omitempty"`
	Clients   int           `json:"clients"`
	Fetches   int64         `json:"fetches"`
	Reports   int64         `json:"reports"`
	BestID    int64         `json:"best_id"`
	BestIndex []int64       `json:"best_index,omitempty"`
	BestPerf  *float64      `json:"best_perf,omitempty"`
	Converged bool          `json:"converged"`
	Stalled   bool          `json:"stalled"`
	Parked    int           `json:"parked"`
	Prefetch  *PrefetchInfo `json:"prefetch,omitempty"`
	Created   time.Time     `json:"created"`
}

// Sessions snapshots every session ordered by name.
func (e *Engine) Sessions() []Info {
	out := make([]Info, 0, len(e.sessions))
	for _, s := range e.sessions {
		best, perf := s.guard.Best()
		info := Info{
			Name:      s.Name,
			Instance:  s.Instance,
			Signature: s.Signature.String(),
			Strategy:  s.Strategy,
			Plugins:   append([]string(nil), s.Plugins...),
			Clients:   s.members,
			Fetches:   s.fetches,
			Reports:   s.reports,
			BestID:    best.ID,
			BestIndex: best.Index,
			Converged: s.converged(),
			Stalled:   s.guard.Stalled(),
			Parked:    s.chain.Parked(),
			Created:   s.Created,
		}
		if best.Valid() {
			info.BestPerf = &perf
		}
		if s.queue != nil {
			filled, outstanding, reported := s.queue.Stats()
			info.Prefetch = &PrefetchInfo{
				Capacity:    s.queue.Capacity(),
				Atomic:      s.queue.Atomic(),
				Filled:      filled,
				Outstanding: outstanding,
				Reported:    reported,
			}
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup reads key from the named session's store, or the server store
// when session is empty.
func (e *Engine) Lookup(session, key string) (string, error) {
	store := e.config
	if session != "" {
		s, ok := e.sessions[session]
		if !ok {
			return "", failf(CodeUnknownSession, "no session named %q", session)
		}
		store = s.Config
	}
	return store.Get(key)
}

// History returns the logged entries of a session from index since on.
func (e *Engine) History(session string, since int) ([]history.Entry, error) {
	return e.history.Since(session, since)
}
