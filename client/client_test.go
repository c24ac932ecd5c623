package client

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"pkt.systems/harmonyd/internal/space"
	"pkt.systems/harmonyd/internal/wire"
)

// scriptedServer answers each request with the next handler's reply.
type scriptedServer struct {
	ln       net.Listener
	requests chan wire.Message
	done     chan struct{}
}

func startScripted(t *testing.T, handlers ...func(wire.Message) (wire.Message, bool)) *scriptedServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &scriptedServer{ln: ln, requests: make(chan wire.Message, len(handlers)+1), done: make(chan struct{})}
	go func() {
		defer close(s.done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for _, h := range handlers {
			req, err := wire.ReadMessage(conn, 0)
			if err != nil {
				return
			}
			s.requests <- req
			rep, send := h(req)
			if !send {
				// Hold the connection open without answering.
				_, _ = wire.ReadMessage(conn, 0)
				return
			}
			if err := wire.WriteMessage(conn, rep, 0); err != nil {
				return
			}
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		<-s.done
	})
	return s
}

func (s *scriptedServer) next(t *testing.T) wire.Message {
	t.Helper()
	select {
	case req := <-s.requests:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("no request received")
		return wire.Message{}
	}
}

func dialScripted(t *testing.T, s *scriptedServer, opts ...Option) *Client {
	t.Helper()
	cli, err := Dial(context.Background(), s.ln.Addr().String(), opts...)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = cli.Close() })
	return cli
}

func ok(fill func(req, rep *wire.Message)) func(wire.Message) (wire.Message, bool) {
	return func(req wire.Message) (wire.Message, bool) {
		rep := req.Reply(wire.StatusOK)
		if fill != nil {
			fill(&req, &rep)
		}
		return rep, true
	}
}

func point(id int64, idx ...int64) space.Point {
	return space.Point{ID: id, Index: idx}
}

func TestRegisterSendsPriorID(t *testing.T) {
	srv := startScripted(t, ok(func(req, rep *wire.Message) { rep.ID = req.ID }))
	cli := dialScripted(t, srv, WithPriorID(7), WithSignals())
	id, err := cli.Register(context.Background())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	req := srv.next(t)
	if req.ID != 7 || !req.Flags.Has(wire.FlagUseSignals) {
		t.Fatalf("unexpected register request %+v", req)
	}
	if id != 7 || cli.ID() != 7 {
		t.Fatalf("expected id 7, got %d", id)
	}
}

func TestFetchFallsBackWhenBusy(t *testing.T) {
	srv := startScripted(t,
		ok(func(_, rep *wire.Message) {
			rep.Point = point(1, 2, 3)
			rep.Stamp = 11
		}),
		func(req wire.Message) (wire.Message, bool) {
			rep := req.Reply(wire.StatusBusy)
			rep.Best = point(0, 1, 1)
			return rep, true
		},
		ok(nil),
	)
	cli := dialScripted(t, srv)
	ctx := context.Background()

	first, err := cli.Fetch(ctx)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if first.Busy || first.Point.ID != 1 || first.Stamp != 11 {
		t.Fatalf("unexpected candidate %+v", first)
	}
	second, err := cli.Fetch(ctx)
	if err != nil {
		t.Fatalf("busy fetch must not fail: %v", err)
	}
	if !second.Busy || !second.Point.Equal(first.Point) || second.Best.ID != 0 {
		t.Fatalf("expected last candidate with best attached, got %+v", second)
	}

	if _, err := cli.Report(ctx, first.Point, 4.5); err != nil {
		t.Fatalf("report: %v", err)
	}
	srv.next(t)
	srv.next(t)
	rep := srv.next(t)
	if rep.Type != wire.TypeReport || rep.Stamp != 11 || rep.Perf != 4.5 || rep.Point.ID != 1 {
		t.Fatalf("unexpected report request %+v", rep)
	}
}

func TestBusyBeforeAnyPointReturnsBest(t *testing.T) {
	srv := startScripted(t, func(req wire.Message) (wire.Message, bool) {
		return req.Reply(wire.StatusBusy), true
	})
	cli := dialScripted(t, srv)
	cand, err := cli.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !cand.Busy || cand.Point.Valid() {
		t.Fatalf("expected an empty busy candidate, got %+v", cand)
	}
}

func TestFailReplyBecomesError(t *testing.T) {
	srv := startScripted(t, func(req wire.Message) (wire.Message, bool) {
		return req.Fail("unknown_key", "no such key"), true
	})
	cli := dialScripted(t, srv)
	_, err := cli.Query(context.Background(), "nope")
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if apiErr.Op != "QUERY" || apiErr.Code != "unknown_key" || apiErr.Retryable() {
		t.Fatalf("unexpected error %+v", apiErr)
	}
	if !IsCode(err, "unknown_key") {
		t.Fatal("IsCode must match the failure code")
	}
}

func TestReplyTypeMustEcho(t *testing.T) {
	srv := startScripted(t, func(req wire.Message) (wire.Message, bool) {
		rep := req.Reply(wire.StatusOK)
		rep.Type = wire.TypeJoin
		return rep, true
	})
	cli := dialScripted(t, srv)
	if _, err := cli.Inform(context.Background(), "k", "v"); !errors.Is(err, wire.ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch, got %v", err)
	}
}

func TestContextDeadlineInterruptsCall(t *testing.T) {
	srv := startScripted(t, func(wire.Message) (wire.Message, bool) { return wire.Message{}, false })
	cli := dialScripted(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := cli.Fetch(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestTimedOutCallClosesClient(t *testing.T) {
	srv := startScripted(t, func(wire.Message) (wire.Message, bool) { return wire.Message{}, false })
	cli := dialScripted(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := cli.Fetch(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	// A late reply to the abandoned fetch must never be read as this answer.
	if _, err := cli.Query(context.Background(), "k"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after timeout, got %v", err)
	}
	if err := cli.Close(); err != nil {
		t.Fatalf("close after abort: %v", err)
	}
}

func TestFailedFetchReturnsNoPoint(t *testing.T) {
	srv := startScripted(t)
	cli := dialScripted(t, srv)
	_ = cli.Close()
	cand, err := cli.Fetch(context.Background())
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if cand.Point.Valid() || cand.Best.Valid() {
		t.Fatalf("failed fetch must not carry a configuration: %+v", cand)
	}
	out, err := cli.Report(context.Background(), point(0, 1), 1)
	if err == nil || out.Best.Valid() {
		t.Fatalf("failed report must not carry a best point: %+v %v", out, err)
	}
}

func TestMismatchedReplyClosesClient(t *testing.T) {
	srv := startScripted(t,
		func(req wire.Message) (wire.Message, bool) {
			rep := req.Reply(wire.StatusOK)
			rep.Type = wire.TypeJoin
			return rep, true
		},
		ok(nil),
	)
	cli := dialScripted(t, srv)
	if _, err := cli.Inform(context.Background(), "k", "v"); !errors.Is(err, wire.ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch, got %v", err)
	}
	if _, err := cli.Inform(context.Background(), "k", "v"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after mismatch, got %v", err)
	}
}

func TestClosedClientRefusesCalls(t *testing.T) {
	srv := startScripted(t)
	cli := dialScripted(t, srv)
	if err := cli.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := cli.Register(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
