// Package mux accepts client sockets, sniffs what they speak and feeds
// decoded protocol messages to a single dispatch loop. Sockets that open
// with an HTTP method are handed to an in-memory listener instead.
package mux

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/netutil"
	"pkt.systems/pslog"

	"pkt.systems/harmonyd/internal/clock"
	"pkt.systems/harmonyd/internal/svcfields"
	"pkt.systems/harmonyd/internal/wire"
)

const (
	// DefaultProbeTimeout bounds how long a new socket may stay silent.
	DefaultProbeTimeout = 5 * time.Second
	// DefaultWriteTimeout bounds one reply write.
	DefaultWriteTimeout = 10 * time.Second

	probeBytes = 4
)

var httpMethods = [][]byte{
	[]byte("GET "), []byte("POST"), []byte("HEAD"), []byte("PUT "), []byte("DELE"), []byte("OPTI"), []byte("PATC"),
}

// Class is what a socket was sniffed as.
type Class uint8

const (
	ClassUnclassified Class = iota
	ClassProtocol
	ClassHTTP
)

func (c Class) String() string {
	switch c {
	case ClassProtocol:
		return "protocol"
	case ClassHTTP:
		return "http"
	default:
		return "unclassified"
	}
}

// EventKind tags an Event.
type EventKind uint8

const (
	// EventMessage carries one decoded request. The connection reads
	// nothing further until Reply is called.
	EventMessage EventKind = iota + 1
	// EventClosed reports a torn down protocol connection. Err is nil for
	// an orderly close.
	EventClosed
)

// Event is posted by connection readers to the dispatch loop.
type Event struct {
	Kind EventKind
	Conn *Conn
	Msg  wire.Message
	Err  error
}

// Options configures a Mux.
type Options struct {
	Listener net.Listener
	// MaxClients caps concurrently open sockets; zero means unlimited.
	MaxClients   int
	ProbeTimeout time.Duration
	WriteTimeout time.Duration
	// MaxFrame bounds request payloads.
	MaxFrame int
	Guard    GuardConfig
	Logger   pslog.Logger
	Clock    clock.Clock
}

// Stats counts sockets by class.
type Stats struct {
	Unclassified int64 `json:"unclassified"`
	Protocol     int64 `json:"protocol"`
	HTTP         int64 `json:"http"`
	Accepted     int64 `json:"accepted"`
	Dropped      int64 `json:"dropped"`
	Blocked      int64 `json:"blocked"`
}

// Mux owns the listening socket and every connection accepted from it.
type Mux struct {
	ln           net.Listener
	httpLn       *chanListener
	probeTimeout time.Duration
	writeTimeout time.Duration
	maxFrame     int
	guard        *guard
	logger       pslog.Logger
	clock        clock.Clock
	metrics      *muxMetrics

	events chan Event
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	nextID atomic.Uint64

	mu    sync.Mutex
	conns map[uint64]net.Conn

	unclassified atomic.Int64
	protocol     atomic.Int64
	http         atomic.Int64
	accepted     atomic.Int64
	dropped      atomic.Int64
	blocked      atomic.Int64
}

// New wraps opts.Listener.
func New(opts Options) (*Mux, error) {
	if opts.Listener == nil {
		return nil, errors.New("mux: listener required")
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.MaxFrame <= 0 {
		opts.MaxFrame = wire.DefaultMaxFrame
	}
	ln := opts.Listener
	if opts.MaxClients > 0 {
		ln = netutil.LimitListener(ln, opts.MaxClients)
	}
	c := clock.Ensure(opts.Clock)
	logger := svcfields.WithSubsystem(opts.Logger, "mux")
	return &Mux{
		ln:           ln,
		httpLn:       newChanListener(opts.Listener.Addr()),
		probeTimeout: opts.ProbeTimeout,
		writeTimeout: opts.WriteTimeout,
		maxFrame:     opts.MaxFrame,
		guard:        newGuard(opts.Guard, logger, c.Now),
		logger:       logger,
		clock:        c,
		metrics:      newMuxMetrics(logger),
		events:       make(chan Event),
		done:         make(chan struct{}),
		conns:        make(map[uint64]net.Conn),
	}, nil
}

// Addr is the listening address.
func (m *Mux) Addr() net.Addr { return m.ln.Addr() }

// Events delivers decoded requests and closures in arrival order.
func (m *Mux) Events() <-chan Event { return m.events }

// HTTPListener yields sockets classified as HTTP.
func (m *Mux) HTTPListener() net.Listener { return m.httpLn }

// Stats snapshots the socket counters.
func (m *Mux) Stats() Stats {
	return Stats{
		Unclassified: m.unclassified.Load(),
		Protocol:     m.protocol.Load(),
		HTTP:         m.http.Load(),
		Accepted:     m.accepted.Load(),
		Dropped:      m.dropped.Load(),
		Blocked:      m.blocked.Load(),
	}
}

// Serve accepts sockets until ctx ends or Close is called. It returns
// once every connection goroutine has exited.
func (m *Mux) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = m.Close() })
	defer stop()
	defer m.wg.Wait()

	var backoff time.Duration
	for {
		raw, err := m.ln.Accept()
		if err != nil {
			select {
			case <-m.done:
				return nil
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
				m.logger.Warn("mux.accept.retry", "error", err, "backoff", backoff)
				select {
				case <-m.clock.After(backoff):
				case <-m.done:
					return nil
				}
				continue
			}
			_ = m.Close()
			return err
		}
		backoff = 0
		m.accepted.Add(1)
		if m.guard.blocked(raw.RemoteAddr().String()) {
			m.blocked.Add(1)
			m.logger.Debug("mux.conn.rejected", "remote", raw.RemoteAddr().String(), "reason", "blocked")
			_ = raw.Close()
			continue
		}
		id := m.nextID.Add(1)
		if !m.track(id, raw) {
			_ = raw.Close()
			return nil
		}
		m.unclassified.Add(1)
		m.metrics.add(ctx, ClassUnclassified, 1)
		m.wg.Add(1)
		go m.probe(ctx, id, raw)
	}
}

func (m *Mux) track(id uint64, c net.Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.done:
		return false
	default:
	}
	m.conns[id] = c
	return true
}

func (m *Mux) untrack(id uint64) {
	m.mu.Lock()
	delete(m.conns, id)
	m.mu.Unlock()
}

// probe sniffs the first bytes without consuming them.
func (m *Mux) probe(ctx context.Context, id uint64, raw net.Conn) {
	defer m.wg.Done()
	remote := raw.RemoteAddr().String()
	logger := m.logger.With(svcfields.ConnKey, id, "remote", remote)

	br := bufio.NewReaderSize(raw, 4096)
	_ = raw.SetReadDeadline(time.Now().Add(m.probeTimeout))
	head, err := br.Peek(probeBytes)
	_ = raw.SetReadDeadline(time.Time{})
	m.unclassified.Add(-1)
	m.metrics.add(ctx, ClassUnclassified, -1)

	switch {
	case err != nil:
		reason := "probe_timeout"
		if errors.Is(err, io.EOF) {
			reason = "zero_connect"
		}
		m.drop(id, raw, logger, reason, false)
	case bytes.Equal(head, wire.MagicBytes[:]):
		m.protocol.Add(1)
		m.metrics.add(ctx, ClassProtocol, 1)
		c := &Conn{
			id:      id,
			mux:     m,
			raw:     raw,
			r:       br,
			remote:  remote,
			release: make(chan struct{}, 1),
			closed:  make(chan struct{}),
			logger:  logger,
		}
		logger.Debug("mux.conn.protocol")
		m.read(ctx, c)
	case isHTTP(head):
		m.untrack(id)
		m.http.Add(1)
		m.metrics.add(ctx, ClassHTTP, 1)
		logger.Debug("mux.conn.http")
		hc := &httpConn{Conn: raw, r: br, onClose: func() {
			m.http.Add(-1)
			m.metrics.add(context.Background(), ClassHTTP, -1)
		}}
		if !m.httpLn.deliver(hc) {
			_ = hc.Close()
		}
	default:
		m.drop(id, raw, logger, "bad_magic", true)
	}
}

// drop closes an unclassified connection. Only protocol violations count
// toward the guard; silent or empty connects (health checks, port scans
// that never speak) do not.
func (m *Mux) drop(id uint64, raw net.Conn, logger pslog.Logger, reason string, violation bool) {
	m.untrack(id)
	m.dropped.Add(1)
	logger.Debug("mux.conn.dropped", "reason", reason)
	defer raw.Close()
	select {
	case <-m.done:
		return
	default:
	}
	if violation && m.guard.fail(raw.RemoteAddr().String(), reason) {
		m.blocked.Add(1)
	}
}

// read decodes frames one at a time; the next read waits for the reply.
func (m *Mux) read(ctx context.Context, c *Conn) {
	defer func() {
		m.protocol.Add(-1)
		m.metrics.add(ctx, ClassProtocol, -1)
	}()
	for {
		msg, err := wire.ReadMessage(c.r, m.maxFrame)
		if err != nil {
			c.Close()
			m.untrack(c.id)
			if isClosedErr(err) {
				err = nil
				c.logger.Debug("mux.conn.closed")
			} else {
				c.logger.Warn("mux.conn.protocol_error", "error", err)
				if m.guard.fail(c.remote, "protocol_error") {
					m.blocked.Add(1)
				}
			}
			m.post(Event{Kind: EventClosed, Conn: c, Err: err})
			return
		}
		if !m.post(Event{Kind: EventMessage, Conn: c, Msg: msg}) {
			c.Close()
			return
		}
		select {
		case <-c.release:
		case <-c.closed:
		case <-m.done:
			c.Close()
			return
		}
	}
}

func (m *Mux) post(ev Event) bool {
	select {
	case m.events <- ev:
		return true
	case <-m.done:
		return false
	}
}

// Close stops accepting and closes every socket. Serve returns after the
// connection goroutines exit.
func (m *Mux) Close() error {
	var err error
	m.once.Do(func() {
		m.mu.Lock()
		close(m.done)
		conns := m.conns
		m.conns = make(map[uint64]net.Conn)
		m.mu.Unlock()
		err = m.ln.Close()
		_ = m.httpLn.Close()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	return err
}

func isHTTP(head []byte) bool {
	for _, method := range httpMethods {
		if bytes.Equal(head, method) {
			return true
		}
	}
	return false
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF)
}

// Conn is one protocol connection.
type Conn struct {
	id      uint64
	mux     *Mux
	raw     net.Conn
	r       *bufio.Reader
	remote  string
	logger  pslog.Logger
	wmu     sync.Mutex
	release chan struct{}
	closed  chan struct{}
	once    sync.Once
}

// ID is unique for the lifetime of the mux.
func (c *Conn) ID() uint64 { return c.id }

// RemoteAddr is the peer address.
func (c *Conn) RemoteAddr() string { return c.remote }

// Reply writes msg and lets the reader decode the next request. A failed
// write closes the connection.
func (c *Conn) Reply(msg wire.Message) error {
	c.wmu.Lock()
	_ = c.raw.SetWriteDeadline(time.Now().Add(c.mux.writeTimeout))
	err := wire.WriteMessage(c.raw, msg, c.mux.maxFrame)
	c.wmu.Unlock()
	if err != nil {
		c.logger.Warn("mux.conn.write_failed", "error", err)
		c.Close()
	}
	select {
	case c.release <- struct{}{}:
	default:
	}
	return err
}

// Close tears the socket down; the reader posts EventClosed.
func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.raw.Close()
	})
}

// httpConn replays the sniffed bytes to the HTTP server.
type httpConn struct {
	net.Conn
	r       *bufio.Reader
	onClose func()
	once    sync.Once
}

func (c *httpConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func (c *httpConn) Close() error {
	c.once.Do(c.onClose)
	return c.Conn.Close()
}

// chanListener is a net.Listener fed by the probe goroutines.
type chanListener struct {
	addr net.Addr
	ch   chan net.Conn
	done chan struct{}
	once sync.Once
}

func newChanListener(addr net.Addr) *chanListener {
	return &chanListener{addr: addr, ch: make(chan net.Conn), done: make(chan struct{})}
}

func (l *chanListener) deliver(c net.Conn) bool {
	select {
	case l.ch <- c:
		return true
	case <-l.done:
		return false
	}
}

func (l *chanListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.ch:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *chanListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *chanListener) Addr() net.Addr { return l.addr }
