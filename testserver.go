package harmonyd

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/harmonyd/client"
)

// TestServer wraps a running Server with handles for tests.
type TestServer struct {
	Server *Server
	Addr   net.Addr
	Client *client.Client
	Config Config

	stop func(context.Context) error
}

type testingWriter struct {
	t  testing.TB
	mu sync.Mutex
	// closed guards against writes after the associated test has finished.
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		func(entry string) {
			defer func() {
				if r := recover(); r != nil {
					msg := fmt.Sprint(r)
					if strings.Contains(msg, "Log in goroutine after") ||
						strings.Contains(msg, "Log in goroutine during concurrent Cleanups") {
						return
					}
					panic(r)
				}
			}()
			w.t.Log(entry)
		}(string(line))
	}
	return len(p), nil
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestingLogger returns a structured logger that writes through t.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	return pslog.NewStructured(context.Background(), writer).LogLevel(level).With("app", "testserver")
}

type testServerOptions struct {
	mutators      []func(*Config)
	serverOpts    []Option
	clientOpts    []client.Option
	disableClient bool
	startTimeout  time.Duration
	logger        pslog.Logger
	logLevel      pslog.Level
}

// TestServerOption customises StartTestServer.
type TestServerOption func(*testServerOptions)

// WithTestConfigFunc mutates the server configuration before start.
func WithTestConfigFunc(fn func(*Config)) TestServerOption {
	return func(o *testServerOptions) {
		if fn != nil {
			o.mutators = append(o.mutators, fn)
		}
	}
}

// WithTestServerOptions passes options through to NewServer.
func WithTestServerOptions(opts ...Option) TestServerOption {
	return func(o *testServerOptions) {
		o.serverOpts = append(o.serverOpts, opts...)
	}
}

// WithTestClientOptions configures the helper client.
func WithTestClientOptions(opts ...client.Option) TestServerOption {
	return func(o *testServerOptions) {
		o.clientOpts = append(o.clientOpts, opts...)
	}
}

// WithoutTestClient disables the helper client.
func WithoutTestClient() TestServerOption {
	return func(o *testServerOptions) { o.disableClient = true }
}

// WithTestLogger replaces the testing logger.
func WithTestLogger(logger pslog.Logger) TestServerOption {
	return func(o *testServerOptions) { o.logger = logger }
}

// WithTestLogLevel sets the level of the testing logger.
func WithTestLogLevel(level pslog.Level) TestServerOption {
	return func(o *testServerOptions) { o.logLevel = level }
}

// StartTestServer runs a server on 127.0.0.1:0 with a temporary history
// directory and stops it when the test ends.
func StartTestServer(t testing.TB, opts ...TestServerOption) *TestServer {
	t.Helper()
	options := testServerOptions{startTimeout: 5 * time.Second, logLevel: pslog.InfoLevel}
	for _, opt := range opts {
		opt(&options)
	}
	cfg := Config{
		Listen:       "127.0.0.1:0",
		ListenProto:  "tcp",
		HistoryDir:   t.TempDir(),
		TickInterval: 10 * time.Millisecond,
	}
	for _, mut := range options.mutators {
		mut(&cfg)
	}
	logger := options.logger
	if logger == nil {
		logger = NewTestingLogger(t, options.logLevel)
	}
	serverOpts := append([]Option{WithLogger(logger)}, options.serverOpts...)

	ctx, cancel := context.WithTimeout(context.Background(), options.startTimeout)
	defer cancel()
	srv, stop, err := StartServer(ctx, cfg, serverOpts...)
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	ts := &TestServer{Server: srv, Addr: srv.ListenerAddr(), Config: srv.cfg, stop: stop}
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		if err := ts.Stop(stopCtx); err != nil {
			t.Errorf("stop test server: %v", err)
		}
	})
	if !options.disableClient {
		cli, err := ts.NewClient(options.clientOpts...)
		if err != nil {
			t.Fatalf("test client: %v", err)
		}
		ts.Client = cli
	}
	return ts
}

// NewClient dials a fresh protocol client to the server.
func (ts *TestServer) NewClient(opts ...client.Option) (*client.Client, error) {
	if ts == nil || ts.Addr == nil {
		return nil, fmt.Errorf("test server not running")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	addr := ts.Addr.String()
	if ts.Addr.Network() == "unix" {
		addr = "unix://" + addr
	}
	return client.Dial(ctx, addr, opts...)
}

// URL is the base URL of the read-only HTTP endpoints on the shared port.
func (ts *TestServer) URL() string {
	if ts == nil || ts.Addr == nil {
		return ""
	}
	return "http://" + ts.Addr.String()
}

// Stop closes the helper client and shuts the server down.
func (ts *TestServer) Stop(ctx context.Context) error {
	if ts == nil || ts.stop == nil {
		return nil
	}
	if ts.Client != nil {
		_ = ts.Client.Close()
	}
	return ts.stop(ctx)
}
