package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/harmonyd/internal/space"
	"pkt.systems/harmonyd/internal/svcfields"
	"pkt.systems/harmonyd/internal/wire"
)

const (
	// DefaultTimeout bounds one request/reply exchange when the context
	// carries no deadline.
	DefaultTimeout = 30 * time.Second
	// DefaultDialTimeout bounds connection setup.
	DefaultDialTimeout = 10 * time.Second
)

type (
	// Point is one configuration handed out by the server.
	Point = space.Point
	// Signature names a session and defines its variables.
	Signature = space.Signature
	// Range is one variable of a signature.
	Range = space.Range
	// Value is the concrete value of one variable.
	Value = space.Value
)

// NoPoint is the "no configuration" sentinel.
func NoPoint() Point { return space.NoPoint() }

// ParseSignature builds a signature from textual ranges such as
// "tile:int[1,64,1]", "alpha:real[0,1,0.1]" or "algo:enum[a,b]".
func ParseSignature(name string, ranges ...string) (Signature, error) {
	return space.ParseSignature(name, ranges...)
}

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("client: closed")
	// ErrNotRegistered is returned by calls that need Register first.
	ErrNotRegistered = errors.New("client: not registered")
)

// Error is a FAIL reply from the server.
type Error struct {
	Op     string
	Code   string
	Detail string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("harmonyd: %s %s (%s)", e.Op, e.Code, e.Detail)
	}
	return fmt.Sprintf("harmonyd: %s %s", e.Op, e.Code)
}

// Retryable reports whether repeating the call may succeed.
func (e *Error) Retryable() bool {
	switch e.Code {
	case "strategy_timeout", "internal":
		return true
	}
	return false
}

// IsCode reports whether err is a server failure with code.
func IsCode(err error, code string) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Candidate is the answer to Fetch.
type Candidate struct {
	// Point is the configuration to test. When Busy is set it is the last
	// configuration this client received (or the best known one) so a
	// tuning loop can keep running. On error both Point and Best are
	// NoPoint.
	Point Point
	// Best is the best configuration the session has seen so far.
	Best      Point
	Stamp     int64
	Busy      bool
	Converged bool
}

// Outcome is the answer to Report.
type Outcome struct {
	// Best is NoPoint when Report fails.
	Best      Point
	Busy      bool
	Converged bool
}

// Option customises client construction.
type Option func(*Client)

// WithLogger supplies a logger for client diagnostics.
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		c.logger = svcfields.WithSubsystem(logger, "client")
	}
}

// WithTimeout bounds each exchange when the context has no deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMaxFrame caps reply frames.
func WithMaxFrame(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxFrame = n
		}
	}
}

// WithSignals asks the server for asynchronous notifications.
func WithSignals() Option {
	return func(c *Client) { c.useSignals = true }
}

// WithPriorID re-homes an id held on an earlier connection.
func WithPriorID(id int64) Option {
	return func(c *Client) { c.id = id }
}

// Client is one connection to a harmonyd server. Calls are serialised;
// a Client is safe for concurrent use but never pipelines requests.
type Client struct {
	addr       string
	timeout    time.Duration
	maxFrame   int
	useSignals bool
	logger     pslog.Logger

	mu     sync.Mutex
	conn   net.Conn
	closed bool
	id     int64
	sig    *Signature
	last   Point
	stamp  int64
	best   Point
}

// Dial connects to addr ("host:port" or "unix:///path").
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	c := &Client{
		addr:     strings.TrimSpace(addr),
		timeout:  DefaultTimeout,
		maxFrame: wire.DefaultMaxFrame,
		logger:   pslog.NoopLogger(),
		last:     space.NoPoint(),
		best:     space.NoPoint(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.addr == "" {
		return nil, fmt.Errorf("client: address required")
	}
	network, address := "tcp", c.addr
	if path, ok := strings.CutPrefix(c.addr, "unix://"); ok {
		network, address = "unix", path
	}
	dialer := net.Dialer{Timeout: DefaultDialTimeout}
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", c.addr, err)
	}
	c.conn = conn
	c.logger = c.logger.With("server", c.addr)
	return c, nil
}

// ID is the client id assigned by Register (0 before).
func (c *Client) ID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Signature is the definition of the joined session, if any.
func (c *Client) Signature() (Signature, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sig == nil {
		return Signature{}, false
	}
	return c.sig.Clone(), true
}

// Register obtains a client id. A prior id given with WithPriorID is kept
// when the server can grant it.
func (c *Client) Register(ctx context.Context) (int64, error) {
	req := wire.New(wire.TypeRegister)
	c.mu.Lock()
	req.ID = c.id
	if c.useSignals {
		req.Flags |= wire.FlagUseSignals
	}
	c.mu.Unlock()
	rep, err := c.roundTrip(ctx, req)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.id = rep.ID
	c.mu.Unlock()
	c.logger.Debug("client.registered", svcfields.ClientKey, rep.ID)
	return rep.ID, nil
}

// Launch joins the session named by sig, starting it with config when it
// does not exist yet.
func (c *Client) Launch(ctx context.Context, sig Signature, config map[string]string) (Signature, error) {
	if err := sig.Validate(); err != nil {
		return Signature{}, err
	}
	req := wire.New(wire.TypeSession)
	req.Signature = &sig
	keys := make([]string, 0, len(config))
	for k := range config {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		req.Config = append(req.Config, wire.Pair{Key: k, Value: config[k]})
	}
	return c.bind(ctx, req)
}

// Join binds to an existing session by name and adopts its definition.
func (c *Client) Join(ctx context.Context, name string) (Signature, error) {
	req := wire.New(wire.TypeJoin)
	req.Signature = &Signature{Name: name}
	return c.bind(ctx, req)
}

// JoinSignature binds to an existing session after checking that its
// definition matches sig.
func (c *Client) JoinSignature(ctx context.Context, sig Signature) (Signature, error) {
	req := wire.New(wire.TypeJoin)
	req.Signature = &sig
	return c.bind(ctx, req)
}

func (c *Client) bind(ctx context.Context, req wire.Message) (Signature, error) {
	rep, err := c.roundTrip(ctx, req)
	if err != nil {
		return Signature{}, err
	}
	if rep.Signature == nil {
		return Signature{}, fmt.Errorf("client: %s reply carries no signature", req.Type)
	}
	sig := rep.Signature.Clone()
	c.mu.Lock()
	c.sig = &sig
	c.last = space.NoPoint()
	c.best = space.NoPoint()
	c.mu.Unlock()
	return sig.Clone(), nil
}

// Fetch asks for the next configuration to test. A BUSY server is not an
// error: the candidate then repeats the last configuration received (or
// the best one) and has Busy set.
func (c *Client) Fetch(ctx context.Context) (Candidate, error) {
	rep, err := c.roundTrip(ctx, wire.New(wire.TypeFetch))
	if err != nil {
		return Candidate{Point: NoPoint(), Best: NoPoint()}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if rep.Best.Valid() {
		c.best = rep.Best.Clone()
	}
	cand := Candidate{Best: c.best.Clone(), Converged: rep.Flags.Has(wire.FlagConverged)}
	if rep.Status == wire.StatusBusy {
		cand.Busy = true
		switch {
		case c.last.Valid():
			cand.Point = c.last.Clone()
		default:
			cand.Point = c.best.Clone()
		}
		cand.Stamp = c.stamp
		return cand, nil
	}
	c.last = rep.Point.Clone()
	c.stamp = rep.Stamp
	cand.Point = rep.Point.Clone()
	cand.Stamp = rep.Stamp
	return cand, nil
}

// Report returns the measured performance of pt; lower is better.
func (c *Client) Report(ctx context.Context, pt Point, perf float64) (Outcome, error) {
	req := wire.New(wire.TypeReport)
	req.Point = pt.Clone()
	req.Perf = perf
	c.mu.Lock()
	if pt.ID == c.last.ID {
		req.Stamp = c.stamp
	}
	c.mu.Unlock()
	rep, err := c.roundTrip(ctx, req)
	if err != nil {
		return Outcome{Best: NoPoint()}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if rep.Best.Valid() {
		c.best = rep.Best.Clone()
	}
	return Outcome{
		Best:      c.best.Clone(),
		Busy:      rep.Status == wire.StatusBusy,
		Converged: rep.Flags.Has(wire.FlagConverged),
	}, nil
}

// Best is the best configuration seen in replies so far.
func (c *Client) Best() Point {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.best.Clone()
}

// Query reads a config key from the session store (or the server store
// before joining).
func (c *Client) Query(ctx context.Context, key string) (string, error) {
	req := wire.New(wire.TypeQuery)
	req.Key = key
	rep, err := c.roundTrip(ctx, req)
	if err != nil {
		return "", err
	}
	return rep.Value, nil
}

// Inform sets a config key and returns its previous value.
func (c *Client) Inform(ctx context.Context, key, value string) (string, error) {
	req := wire.New(wire.TypeInform)
	req.Key = key
	req.Value = value
	rep, err := c.roundTrip(ctx, req)
	if err != nil {
		return "", err
	}
	return rep.Value, nil
}

// Unregister gives the id back and leaves the session. The connection
// stays open for a later Register.
func (c *Client) Unregister(ctx context.Context) error {
	if _, err := c.roundTrip(ctx, wire.New(wire.TypeUnregister)); err != nil {
		return err
	}
	c.mu.Lock()
	c.id = 0
	c.sig = nil
	c.last = space.NoPoint()
	c.mu.Unlock()
	return nil
}

// Close drops the connection. The server treats it like Unregister.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

func (c *Client) roundTrip(ctx context.Context, req wire.Message) (wire.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return wire.Message{}, ErrClosed
	}
	req.Src = c.id
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.timeout)
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return wire.Message{}, fmt.Errorf("client: %s: %w", req.Type, err)
	}
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	start := time.Now()
	if err := wire.WriteMessage(c.conn, req, c.maxFrame); err != nil {
		return wire.Message{}, c.abort(c.ioError(ctx, req, err))
	}
	rep, err := wire.ReadMessage(c.conn, c.maxFrame)
	if err != nil {
		return wire.Message{}, c.abort(c.ioError(ctx, req, err))
	}
	if err := wire.CheckReply(req, rep); err != nil {
		return wire.Message{}, c.abort(err)
	}
	c.logger.Trace("client.request", "type", req.Type.String(), "status", rep.Status.String(), "elapsed", time.Since(start))
	if rep.Status == wire.StatusFail {
		return wire.Message{}, &Error{Op: req.Type.String(), Code: rep.Code, Detail: rep.Detail}
	}
	return rep, nil
}

// abort closes a connection whose request/reply pairing can no longer be
// trusted. Later calls return ErrClosed; the caller dials again. c.mu is held.
func (c *Client) abort(err error) error {
	if !c.closed {
		c.closed = true
		_ = c.conn.Close()
	}
	return err
}

// ioError prefers the context error when ctx caused the failure.
func (c *Client) ioError(ctx context.Context, req wire.Message, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("client: %s: %w", req.Type, ctxErr)
	}
	return fmt.Errorf("client: %s: %w", req.Type, err)
}
