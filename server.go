package harmonyd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"pkt.systems/pslog"

	"pkt.systems/harmonyd/internal/cfgstore"
	"pkt.systems/harmonyd/internal/clock"
	"pkt.systems/harmonyd/internal/codegen"
	"pkt.systems/harmonyd/internal/handoff"
	"pkt.systems/harmonyd/internal/history"
	"pkt.systems/harmonyd/internal/httpexport"
	"pkt.systems/harmonyd/internal/mux"
	"pkt.systems/harmonyd/internal/plugin"
	"pkt.systems/harmonyd/internal/session"
	"pkt.systems/harmonyd/internal/strategy"
	"pkt.systems/harmonyd/internal/svcfields"
	"pkt.systems/harmonyd/internal/transport"
	"pkt.systems/harmonyd/internal/workerpool"
)

// Server owns the listener, the dispatch loop and, when code generation
// runs in-process, the coordinator.
type Server struct {
	cfg       Config
	logger    pslog.Logger
	clock     clock.Clock
	store     *cfgstore.Store
	engine    *session.Engine
	export    *httpexport.Handler
	httpSrv   *http.Server
	telemetry *telemetry

	mailbox     *handoff.Mailbox
	coordinator *codegen.Coordinator
	pool        workerpool.Pool
	memoDB      *codegen.MemoDB

	listener net.Listener
	mux      *mux.Mux
	calls    chan func()
	loopDone chan struct{}

	mu       sync.Mutex
	started  bool
	shutdown bool
	cancel   context.CancelFunc
	done     chan struct{}
	runErr   error
	readyCh  chan struct{}
}

// ErrServerStopped is returned by calls into a server whose dispatch loop
// has exited.
var ErrServerStopped = errors.New("harmonyd: server stopped")

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger     pslog.Logger
	Clock      clock.Clock
	Listener   net.Listener
	Strategies *strategy.Registry
	Plugins    *plugin.Registry
	Pool       workerpool.Pool
}

// WithLogger supplies the base logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) { o.Logger = l }
}

// WithClock injects a clock; the dispatch ticker and strategy timeouts use it.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.Clock = c }
}

// WithListener serves on ln instead of listening on Config.Listen.
func WithListener(ln net.Listener) Option {
	return func(o *options) { o.Listener = ln }
}

// WithStrategies replaces the built-in strategy registry.
func WithStrategies(r *strategy.Registry) Option {
	return func(o *options) { o.Strategies = r }
}

// WithPlugins replaces the built-in plugin registry.
func WithPlugins(r *plugin.Registry) Option {
	return func(o *options) { o.Plugins = r }
}

// WithWorkerPool replaces the exec pool of the in-process coordinator.
func WithWorkerPool(p workerpool.Pool) Option {
	return func(o *options) { o.Pool = p }
}

// NewServer validates cfg and prepares every component. Nothing listens
// until Start.
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := svcfields.Ensure(o.Logger)
	srv := &Server{
		cfg:      cfg,
		logger:   svcfields.WithSubsystem(logger, "server"),
		clock:    clock.Ensure(o.Clock),
		listener: o.Listener,
		calls:    make(chan func()),
		loopDone: make(chan struct{}),
		done:     make(chan struct{}),
		readyCh:  make(chan struct{}),
	}
	ok := false
	defer func() {
		if !ok {
			srv.release(context.Background())
		}
	}()

	var err error
	if srv.telemetry, err = startTelemetry(context.Background(), cfg, svcfields.WithSubsystem(logger, "telemetry")); err != nil {
		return nil, err
	}

	srv.store = cfgstore.New(cfgstore.Options{Defaults: cfg.StoreDefaults(), EnvPrefix: SessionEnvPrefix})
	if cfg.SessionConfig != "" {
		if err := srv.store.LoadFile(cfg.SessionConfig); err != nil {
			return nil, fmt.Errorf("session config %s: %w", cfg.SessionConfig, err)
		}
	}
	hist, err := history.Open(cfg.HistoryDir)
	if err != nil {
		return nil, err
	}

	var producer handoff.Producer
	if cfg.CodegenEnabled {
		if producer, err = srv.setupCodegen(o, logger); err != nil {
			return nil, err
		}
	}

	srv.engine, err = session.NewEngine(session.Options{
		Config:          srv.store,
		Strategies:      o.Strategies,
		Plugins:         o.Plugins,
		History:         hist,
		Handoff:         producer,
		App:             cfg.CodegenApp,
		StrategyTimeout: cfg.StrategyTimeout,
		Logger:          logger,
		Clock:           srv.clock,
	})
	if err != nil {
		return nil, err
	}

	srv.export, err = httpexport.New(httpexport.Options{
		Source:  loopSource{srv},
		Logger:  logger,
		Tracing: cfg.OTLPEndpoint != "",
	})
	if err != nil {
		return nil, err
	}
	srv.httpSrv = &http.Server{
		Handler:           srv.export,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          log.New(pslogWriter{svcfields.WithSubsystem(logger, "http.export")}, "", 0),
	}
	ok = true
	return srv, nil
}

// setupCodegen prepares the handoff and, for the mailbox variant, the
// in-process coordinator with its pool, memo and transport.
func (s *Server) setupCodegen(o options, logger pslog.Logger) (handoff.Producer, error) {
	kind, dir, err := ParseHandoff(s.cfg.CodegenHandoff)
	if err != nil {
		return nil, err
	}
	if kind == HandoffDir {
		return handoff.NewDirProducer(handoff.DirOptions{
			Dir:    dir,
			App:    s.cfg.CodegenApp,
			Poll:   s.cfg.HandoffPoll,
			Clock:  s.clock,
			Logger: logger,
		})
	}
	s.mailbox = handoff.NewMailbox()
	coord, err := NewCoordinator(s.cfg, s.mailbox, CoordinatorDeps{Pool: o.Pool, Logger: logger, Clock: s.clock})
	if err != nil {
		return nil, err
	}
	s.coordinator, s.pool, s.memoDB = coord.Coordinator, coord.Pool, coord.MemoDB
	return s.mailbox, nil
}

// Coordinator bundles a code generation coordinator with the resources it
// owns.
type Coordinator struct {
	*codegen.Coordinator
	Pool   workerpool.Pool
	MemoDB *codegen.MemoDB
}

// Close releases the pool and the memo database.
func (c *Coordinator) Close() error {
	var errs []error
	if c.Pool != nil {
		errs = append(errs, c.Pool.Close())
	}
	if c.MemoDB != nil {
		errs = append(errs, c.MemoDB.Close())
	}
	return errors.Join(errs...)
}

// CoordinatorDeps overrides what NewCoordinator would build from Config.
type CoordinatorDeps struct {
	Pool   workerpool.Pool
	Logger pslog.Logger
	Clock  clock.Clock
}

// NewCoordinator wires a coordinator over consumer from the codegen
// settings in cfg. It is shared by the server's mailbox mode and the
// standalone "harmonyd codegen run" command.
func NewCoordinator(cfg Config, consumer handoff.Consumer, deps CoordinatorDeps) (*Coordinator, error) {
	out := &Coordinator{Pool: deps.Pool}
	ok := false
	defer func() {
		if !ok {
			_ = out.Close()
		}
	}()
	if out.Pool == nil {
		slots, err := workerpool.ParseHosts(cfg.CodegenHosts)
		if err != nil {
			return nil, err
		}
		pool, err := workerpool.NewExecPool(workerpool.ExecOptions{
			Script:    cfg.CodegenScript,
			Slots:     slots,
			DestHost:  cfg.CodegenDestHost,
			DestPath:  cfg.CodegenDestPath,
			OutputDir: cfg.CodegenOutputDir,
			Timeout:   cfg.CodegenUnitTimeout,
			Logger:    deps.Logger,
			Clock:     deps.Clock,
		})
		if err != nil {
			return nil, err
		}
		out.Pool = pool
	}
	var generated, unshipped codegen.Memo
	if cfg.CodegenMemoDir != "" {
		db, err := codegen.OpenMemoDB(cfg.CodegenMemoDir, deps.Logger)
		if err != nil {
			return nil, err
		}
		out.MemoDB = db
		generated, unshipped = db.Memo("generated"), db.Memo("unshipped")
	}
	var sealer *transport.Sealer
	if cfg.CodegenSealKey != "" {
		var err error
		if sealer, err = transport.LoadSealer(cfg.CodegenSealKey); err != nil {
			return nil, err
		}
	}
	shipper, err := transport.New(cfg.CodegenTransport, transport.Options{
		OutputDir: cfg.CodegenOutputDir,
		DestHost:  cfg.CodegenDestHost,
		DestPath:  cfg.CodegenDestPath,
		Sealer:    sealer,
		Logger:    deps.Logger,
	})
	if err != nil {
		return nil, err
	}
	out.Coordinator, err = codegen.New(codegen.Options{
		Pool:      out.Pool,
		Consumer:  consumer,
		Generated: generated,
		Unshipped: unshipped,
		Shipper:   shipper,
		Retries:   cfg.CodegenRetries,
		Logger:    deps.Logger,
		Clock:     deps.Clock,
	})
	if err != nil {
		return nil, err
	}
	ok = true
	return out, nil
}

// Start listens and runs until Shutdown or a fatal component error.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.started || s.shutdown {
		s.mu.Unlock()
		return errors.New("harmonyd: server already started")
	}
	s.started = true
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()
	defer close(s.done)
	defer cancel()

	err := s.run(ctx)
	s.mu.Lock()
	s.runErr = err
	s.mu.Unlock()
	return err
}

func (s *Server) run(ctx context.Context) error {
	ln := s.listener
	if ln == nil {
		if s.cfg.ListenProto == "unix" {
			if err := os.Remove(s.cfg.Listen); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("remove stale unix socket: %w", err)
			}
		}
		var err error
		if ln, err = net.Listen(s.cfg.ListenProto, s.cfg.Listen); err != nil {
			return fmt.Errorf("listen (%s %s): %w", s.cfg.ListenProto, s.cfg.Listen, err)
		}
		if s.cfg.ListenProto == "unix" {
			defer os.Remove(s.cfg.Listen)
		}
	}
	m, err := mux.New(mux.Options{
		Listener:     ln,
		MaxClients:   s.cfg.MaxClients,
		ProbeTimeout: s.cfg.ProbeTimeout,
		MaxFrame:     s.cfg.MaxFrame,
		Guard: mux.GuardConfig{
			FailureThreshold: s.cfg.GuardFailures,
			FailureWindow:    s.cfg.GuardWindow,
			BlockDuration:    s.cfg.GuardBlock,
		},
		Logger: s.logger,
		Clock:  s.clock,
	})
	if err != nil {
		_ = ln.Close()
		return err
	}
	s.mu.Lock()
	s.mux = m
	s.listener = ln
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.Serve(gctx) })
	g.Go(func() error {
		err := s.httpSrv.Serve(m.HTTPListener())
		if errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	})
	if s.coordinator != nil {
		g.Go(func() error { return s.coordinator.Run(gctx) })
	}
	g.Go(func() error { return s.loop(gctx, m) })

	s.logger.Info("server.listening",
		"network", ln.Addr().Network(),
		"address", ln.Addr().String(),
		"codegen", s.cfg.CodegenEnabled,
		"handoff", s.cfg.CodegenHandoff,
		"strategy", s.cfg.Strategy,
	)
	close(s.readyCh)
	return g.Wait()
}

// loop is the only goroutine that touches the engine.
func (s *Server) loop(ctx context.Context, m *mux.Mux) error {
	defer close(s.loopDone)
	ticker := s.clock.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	defer func() {
		if err := s.engine.Close(context.Background()); err != nil {
			s.logger.Warn("server.engine.close_failed", "error", err)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-m.Events():
			s.handle(ctx, ev)
		case <-ticker.C():
			s.engine.Tick(ctx)
		case fn := <-s.calls:
			fn()
		}
	}
}

func (s *Server) handle(ctx context.Context, ev mux.Event) {
	conn := session.ConnID(ev.Conn.ID())
	switch ev.Kind {
	case mux.EventMessage:
		rep := s.engine.Handle(ctx, conn, ev.Msg)
		_ = ev.Conn.Reply(rep)
	case mux.EventClosed:
		if ev.Err != nil {
			s.logger.Debug("server.conn.error", svcfields.ConnKey, ev.Conn.ID(), "error", ev.Err)
		}
		s.engine.Disconnect(ctx, conn)
	}
}

// call runs fn on the dispatch loop and waits for it.
func (s *Server) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}
	select {
	case s.calls <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.loopDone:
		return ErrServerStopped
	case <-s.done:
		return ErrServerStopped
	}
	<-done
	return nil
}

// Sessions snapshots every session from the dispatch loop.
func (s *Server) Sessions(ctx context.Context) ([]session.Info, error) {
	var out []session.Info
	err := s.call(ctx, func() {
		out = s.engine.Sessions()
		for i := range out {
			out[i].BestIndex = append([]int64(nil), out[i].BestIndex...)
		}
	})
	return out, err
}

// Lookup reads a config key from a session store, or from the server store
// when name is empty.
func (s *Server) Lookup(ctx context.Context, name, key string) (string, error) {
	var (
		value string
		lerr  error
	)
	if err := s.call(ctx, func() { value, lerr = s.engine.Lookup(name, key) }); err != nil {
		return "", err
	}
	return value, lerr
}

// History pages through a session's logged measurements.
func (s *Server) History(ctx context.Context, name string, since int) ([]history.Entry, error) {
	var (
		out  []history.Entry
		herr error
	)
	if err := s.call(ctx, func() { out, herr = s.engine.History(name, since) }); err != nil {
		return nil, err
	}
	return out, herr
}

type loopSource struct{ s *Server }

func (l loopSource) Sessions(ctx context.Context) ([]session.Info, error) { return l.s.Sessions(ctx) }

func (l loopSource) History(ctx context.Context, name string, since int) ([]history.Entry, error) {
	return l.s.History(ctx, name, since)
}

func (l loopSource) Lookup(ctx context.Context, name, key string) (string, error) {
	return l.s.Lookup(ctx, name, key)
}

// WaitUntilReady blocks until the server accepts connections.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.runErr != nil {
			return s.runErr
		}
		return errors.New("harmonyd: server stopped before becoming ready")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound address once the server is ready.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mux == nil {
		return nil
	}
	return s.mux.Addr()
}

// MetricsAddr returns the Prometheus listener address, if enabled.
func (s *Server) MetricsAddr() net.Addr { return s.telemetry.Addr("metrics") }

// Shutdown stops the loop, closes every socket and releases the
// coordinator, memo and telemetry. It is safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	started, cancel := s.started, s.cancel
	s.mu.Unlock()

	if started {
		cancel()
		select {
		case <-s.done:
		case <-ctx.Done():
			return fmt.Errorf("harmonyd: shutdown: %w", ctx.Err())
		}
	} else {
		close(s.done)
	}
	err := s.release(ctx)
	s.mu.Lock()
	runErr := s.runErr
	s.mu.Unlock()
	return errors.Join(runErr, err)
}

// Close shuts the server down with the configured timeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) release(ctx context.Context) error {
	var errs []error
	if s.mailbox != nil {
		errs = append(errs, s.mailbox.Close())
	}
	if s.pool != nil {
		errs = append(errs, s.pool.Close())
	}
	if s.memoDB != nil {
		errs = append(errs, s.memoDB.Close())
	}
	if s.listener != nil && s.mux == nil {
		_ = s.listener.Close()
	}
	if s.telemetry != nil {
		tctx := ctx
		if tctx.Err() != nil {
			var cancel context.CancelFunc
			tctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		errs = append(errs, s.telemetry.Shutdown(tctx))
	}
	return errors.Join(errs...)
}

// StartServer runs a server in the background and waits until it is ready.
// The returned stop function shuts it down.
//
//	srv, stop, err := harmonyd.StartServer(ctx, harmonyd.Config{Listen: "127.0.0.1:0"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	if err := srv.WaitUntilReady(ctx); err != nil {
		_ = srv.Shutdown(context.Background())
		<-errCh
		return nil, nil, err
	}
	var (
		once    sync.Once
		stopErr error
	)
	stop := func(shutdownCtx context.Context) error {
		once.Do(func() {
			stopErr = errors.Join(srv.Shutdown(shutdownCtx), <-errCh)
		})
		return stopErr
	}
	return srv, stop, nil
}

// pslogWriter routes net/http's internal error log to pslog.
type pslogWriter struct{ logger pslog.Logger }

func (w pslogWriter) Write(p []byte) (int, error) {
	w.logger.Warn("http.server.error", "detail", string(trimNewline(p)))
	return len(p), nil
}

func trimNewline(p []byte) []byte {
	for len(p) > 0 && (p[len(p)-1] == '\n' || p[len(p)-1] == '\r') {
		p = p[:len(p)-1]
	}
	return p
}
