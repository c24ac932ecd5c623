package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/harmonyd/internal/cfgstore"
	"pkt.systems/harmonyd/internal/history"
	"pkt.systems/harmonyd/internal/plugin"
	"pkt.systems/harmonyd/internal/space"
	"pkt.systems/harmonyd/internal/strategy"
	"pkt.systems/harmonyd/internal/wire"
)

func newTestEngine(t *testing.T, defaults map[string]string, mutate func(*Options)) *Engine {
	t.Helper()
	opts := Options{Config: cfgstore.New(cfgstore.Options{Defaults: defaults})}
	if mutate != nil {
		mutate(&opts)
	}
	e, err := NewEngine(opts)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

func testSig(t *testing.T, name string, ranges ...string) *space.Signature {
	t.Helper()
	sig, err := space.ParseSignature(name, ranges...)
	if err != nil {
		t.Fatalf("signature: %v", err)
	}
	return &sig
}

func call(t *testing.T, e *Engine, conn ConnID, req wire.Message) wire.Message {
	t.Helper()
	rep := e.Handle(context.Background(), conn, req)
	if rep.Type != req.Type {
		t.Fatalf("reply type %s does not echo request %s", rep.Type, req.Type)
	}
	return rep
}

func expectOK(t *testing.T, rep wire.Message) {
	t.Helper()
	if rep.Status != wire.StatusOK {
		t.Fatalf("%s: expected OK, got %s (%s: %s)", rep.Type, rep.Status, rep.Code, rep.Detail)
	}
}

func expectFail(t *testing.T, rep wire.Message, code string) {
	t.Helper()
	if rep.Status != wire.StatusFail || rep.Code != code {
		t.Fatalf("%s: expected FAIL %s, got %s %q (%s)", rep.Type, code, rep.Status, rep.Code, rep.Detail)
	}
}

func register(t *testing.T, e *Engine, conn ConnID, prior int64) int64 {
	t.Helper()
	req := wire.New(wire.TypeRegister)
	req.ID = prior
	rep := call(t, e, conn, req)
	expectOK(t, rep)
	return rep.ID
}

func launch(t *testing.T, e *Engine, conn ConnID, sig *space.Signature, cfg ...wire.Pair) wire.Message {
	t.Helper()
	req := wire.New(wire.TypeSession)
	req.Signature = sig
	req.Config = cfg
	return call(t, e, conn, req)
}

func fetch(t *testing.T, e *Engine, conn ConnID) wire.Message {
	t.Helper()
	return call(t, e, conn, wire.New(wire.TypeFetch))
}

func report(t *testing.T, e *Engine, conn ConnID, pt space.Point, perf float64, stamp int64) wire.Message {
	t.Helper()
	req := wire.New(wire.TypeReport)
	req.Point = pt
	req.Perf = perf
	req.Stamp = stamp
	return call(t, e, conn, req)
}

func TestRegisterHandsOutLowestFreeID(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, nil, nil)
	for conn := ConnID(1); conn <= 3; conn++ {
		if got := register(t, e, conn, 0); got != int64(conn) {
			t.Fatalf("conn %d: expected id %d, got %d", conn, conn, got)
		}
	}
	seen := map[int64]bool{}
	for _, c := range e.Clients().Clients() {
		if seen[c.ID] {
			t.Fatalf("id %d handed out twice", c.ID)
		}
		seen[c.ID] = true
	}
	if len(seen) != 3 || !seen[1] || !seen[2] || !seen[3] {
		t.Fatalf("expected ids 1..3, got %v", seen)
	}

	c2, _ := e.Clients().Get(2)
	expectOK(t, call(t, e, c2.Conn, wire.New(wire.TypeUnregister)))
	if got := register(t, e, 9, 0); got != 2 {
		t.Fatalf("expected released id 2 to be reused, got %d", got)
	}
	if got := register(t, e, 10, 0); got != 4 {
		t.Fatalf("expected id 4, got %d", got)
	}
}

func TestRegisterTwiceOnConnKeepsID(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, nil, nil)
	id := register(t, e, 1, 0)
	if again := register(t, e, 1, 0); again != id {
		t.Fatalf("expected id %d again, got %d", id, again)
	}
	if e.Clients().Len() != 1 {
		t.Fatalf("expected one client, got %d", e.Clients().Len())
	}
}

func TestRegisterMigratesPriorID(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, nil, nil)
	id := register(t, e, 1, 0)
	expectOK(t, launch(t, e, 1, testSig(t, "mig", "x:int[0,10,1]")))

	if got := register(t, e, 2, id); got != id {
		t.Fatalf("expected migrated id %d, got %d", id, got)
	}
	if _, ok := e.Clients().ByConn(1); ok {
		t.Fatal("old connection still mapped after migration")
	}
	c, ok := e.Clients().ByConn(2)
	if !ok || c.Session == nil || c.Session.Name != "mig" {
		t.Fatalf("migrated client lost its session: %+v", c)
	}
	expectOK(t, fetch(t, e, 2))

	// Closing the old socket must not tear down the migrated client.
	e.Disconnect(context.Background(), 1)
	if e.Clients().Len() != 1 {
		t.Fatalf("expected the migrated client to survive, got %d clients", e.Clients().Len())
	}

	if got := register(t, e, 3, 7); got != 7 {
		t.Fatalf("expected free prior id 7 to be granted, got %d", got)
	}
}

func TestRequestsBeforeRegisterOrJoin(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, nil, nil)
	expectFail(t, fetch(t, e, 1), CodeNotRegistered)
	expectFail(t, launch(t, e, 1, testSig(t, "s", "x:int[0,1,1]")), CodeNotRegistered)
	register(t, e, 1, 0)
	expectFail(t, fetch(t, e, 1), CodeNotJoined)
	expectFail(t, report(t, e, 1, space.Point{ID: 1, Index: []int64{0}}, 1, 0), CodeNotJoined)

	notReq := wire.New(wire.TypeFetch)
	notReq.Status = wire.StatusOK
	expectFail(t, call(t, e, 1, notReq), CodeBadRequest)
}

func TestSessionJoinValidatesSignature(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, nil, nil)
	register(t, e, 1, 0)
	register(t, e, 2, 0)

	rep := launch(t, e, 1, testSig(t, "app", "x:int[0,10,1]", "algo:enum[a,b]"))
	expectOK(t, rep)
	if rep.Signature == nil || rep.Signature.Name != "app" {
		t.Fatalf("expected canonical signature in reply, got %+v", rep.Signature)
	}

	join := wire.New(wire.TypeJoin)
	join.Signature = testSig(t, "app", "x:int[0,11,1]", "algo:enum[a,b]")
	expectFail(t, call(t, e, 2, join), CodeIncompatibleSignature)
	c, _ := e.Clients().ByConn(2)
	if c.State != StateRegistered || c.Session != nil {
		t.Fatalf("failed join must not change state, got %s", c.State)
	}

	join.Signature = testSig(t, "app", "algo:enum[a,b]", "x:int[0,10,1]")
	expectOK(t, call(t, e, 2, join))
	if c.State != StateBound {
		t.Fatalf("expected bound, got %s", c.State)
	}

	join.Signature = testSig(t, "other", "x:int[0,10,1]")
	expectFail(t, call(t, e, 2, join), CodeUnknownSession)

	// Joining by name alone adopts the session's definition.
	register(t, e, 4, 0)
	join.Signature = &space.Signature{Name: "app"}
	rep = call(t, e, 4, join)
	expectOK(t, rep)
	if rep.Signature == nil || len(rep.Signature.Ranges) != 2 {
		t.Fatalf("expected the session signature in the reply, got %+v", rep.Signature)
	}

	// SESSION against an existing name joins it.
	register(t, e, 3, 0)
	expectOK(t, launch(t, e, 3, testSig(t, "app", "x:int[0,10,1]", "algo:enum[a,b]")))
	if infos := e.Sessions(); len(infos) != 1 || infos[0].Clients != 4 {
		t.Fatalf("expected one session with four clients, got %+v", infos)
	}
}

func TestSessionStartFailures(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, nil, nil)
	register(t, e, 1, 0)
	expectFail(t, launch(t, e, 1, testSig(t, "bad", "x:int[0,1,1]"), wire.Pair{Key: "session.strategy", Value: "simplex"}), CodeSessionStart)
	expectFail(t, launch(t, e, 1, testSig(t, "bad", "x:int[0,1,1]"), wire.Pair{Key: "session.plugins", Value: "log:nope"}), CodeSessionStart)
	expectFail(t, launch(t, e, 1, testSig(t, "bad", "x:int[0,1,1]"), wire.Pair{Key: "session.plugins", Value: "codegen"}), CodeSessionStart)
	expectFail(t, launch(t, e, 1, testSig(t, "bad/name", "x:int[0,1,1]")), CodeSessionStart)
	if len(e.Sessions()) != 0 {
		t.Fatalf("failed launches must not create sessions: %+v", e.Sessions())
	}
	c, _ := e.Clients().ByConn(1)
	if c.State != StateRegistered {
		t.Fatalf("expected registered, got %s", c.State)
	}
}

func TestUnknownDefaultStrategyFailsEngine(t *testing.T) {
	t.Parallel()

	_, err := NewEngine(Options{Config: cfgstore.New(cfgstore.Options{Defaults: map[string]string{KeyStrategy: "simplex"}})})
	if !errors.Is(err, strategy.ErrUnknownStrategy) {
		t.Fatalf("expected ErrUnknownStrategy, got %v", err)
	}
}

func TestFetchReportBestTracking(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, nil, nil)
	if id := register(t, e, 1, 0); id != 1 {
		t.Fatalf("expected id 1, got %d", id)
	}
	sig := testSig(t, "scenario", "x:int[0,10,1]")
	expectOK(t, launch(t, e, 1, sig, wire.Pair{Key: "random.seed", Value: "7"}))

	first := fetch(t, e, 1)
	expectOK(t, first)
	if first.Point.ID < 0 {
		t.Fatalf("expected a point, got %v", first.Point)
	}
	vals, err := first.Point.Values(*sig)
	if err != nil || vals[0].Int < 0 || vals[0].Int > 10 {
		t.Fatalf("x out of range: %v %v", vals, err)
	}
	if first.Best.ID != -1 {
		t.Fatalf("expected no best yet, got %v", first.Best)
	}
	c, _ := e.Clients().ByConn(1)
	if c.State != StateTesting {
		t.Fatalf("expected testing, got %s", c.State)
	}

	expectOK(t, report(t, e, 1, first.Point, 3.5, first.Stamp))
	if c.State != StateBound {
		t.Fatalf("expected bound after report, got %s", c.State)
	}
	second := fetch(t, e, 1)
	expectOK(t, second)
	if second.Best.ID != first.Point.ID {
		t.Fatalf("expected best id %d, got %v", first.Point.ID, second.Best)
	}
	if second.Point.ID == first.Point.ID {
		t.Fatal("point ids must be unique within a session")
	}
}

func TestReportValidatesPoint(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, nil, nil)
	register(t, e, 1, 0)
	expectOK(t, launch(t, e, 1, testSig(t, "v", "x:int[0,3,1]")))
	expectFail(t, report(t, e, 1, space.NoPoint(), 1, 0), CodeBadRequest)
	expectFail(t, report(t, e, 1, space.Point{ID: 1, Index: []int64{9}}, 1, 0), CodeBadRequest)
}

func TestConvergedSessionServesBest(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, nil, nil)
	register(t, e, 1, 0)
	expectOK(t, launch(t, e, 1, testSig(t, "conv", "x:int[0,1,1]"), wire.Pair{Key: "session.strategy", Value: "exhaustive"}))
	a := fetch(t, e, 1)
	b := fetch(t, e, 1)
	expectOK(t, a)
	expectOK(t, b)
	if rep := fetch(t, e, 1); rep.Status != wire.StatusBusy {
		t.Fatalf("expected busy while the pass drains, got %s", rep.Status)
	}
	expectOK(t, report(t, e, 1, a.Point, 5, a.Stamp))
	rep := report(t, e, 1, b.Point, 2, b.Stamp)
	expectOK(t, rep)
	if !rep.Flags.Has(wire.FlagConverged) {
		t.Fatal("expected converged flag on final report")
	}
	final := fetch(t, e, 1)
	expectOK(t, final)
	if !final.Flags.Has(wire.FlagConverged) || final.Point.ID != b.Point.ID {
		t.Fatalf("expected best point %d with converged flag, got %v flags=%v", b.Point.ID, final.Point, final.Flags)
	}
	c, _ := e.Clients().ByConn(1)
	if c.State != StateConverged {
		t.Fatalf("expected converged, got %s", c.State)
	}
}

func TestQueryInform(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, map[string]string{"server.motd": "hello"}, nil)

	inform := wire.New(wire.TypeInform)
	inform.Key, inform.Value = "tuning.mode", "fast"
	rep := call(t, e, 1, inform)
	expectOK(t, rep)
	if rep.Value != "" {
		t.Fatalf("expected empty previous value, got %q", rep.Value)
	}
	inform.Value = "slow"
	if rep := call(t, e, 1, inform); rep.Value != "fast" {
		t.Fatalf("expected previous value fast, got %q", rep.Value)
	}

	query := wire.New(wire.TypeQuery)
	query.Key = "TUNING.MODE"
	if rep := call(t, e, 1, query); rep.Status != wire.StatusOK || rep.Value != "slow" {
		t.Fatalf("query: %s %q", rep.Status, rep.Value)
	}
	query.Key = "missing.key"
	expectFail(t, call(t, e, 1, query), CodeUnknownKey)
	inform.Key = "bad key!"
	expectFail(t, call(t, e, 1, inform), CodeInvalidKey)

	// Bound clients read and write their session layer.
	register(t, e, 2, 0)
	expectOK(t, launch(t, e, 2, testSig(t, "cfg", "x:int[0,1,1]"), wire.Pair{Key: "session.note", Value: "launch"}))
	query.Key = "server.motd"
	if rep := call(t, e, 2, query); rep.Value != "hello" {
		t.Fatalf("session store must fall through to the server store, got %q", rep.Value)
	}
	inform.Key, inform.Value = "session.note", "changed"
	if rep := call(t, e, 2, inform); rep.Value != "launch" {
		t.Fatalf("expected launch value, got %q", rep.Value)
	}
	if _, err := e.Lookup("", "session.note"); err == nil {
		t.Fatal("session writes leaked into the server store")
	}
	if v, err := e.Lookup("cfg", "session.note"); err != nil || v != "changed" {
		t.Fatalf("lookup: %q %v", v, err)
	}
}

func TestPrefetchServesFromRing(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, nil, nil)
	register(t, e, 1, 0)
	expectOK(t, launch(t, e, 1, testSig(t, "pf", "x:int[0,9,1]"),
		wire.Pair{Key: "session.strategy", Value: "exhaustive"},
		wire.Pair{Key: "prefetch.count", Value: "2"},
	))
	info := e.Sessions()[0]
	if info.Prefetch == nil || info.Prefetch.Filled != 2 {
		t.Fatalf("expected a full ring after launch, got %+v", info.Prefetch)
	}

	a := fetch(t, e, 1)
	b := fetch(t, e, 1)
	expectOK(t, a)
	expectOK(t, b)
	if a.Point.ID != 1 || b.Point.ID != 2 {
		t.Fatalf("expected FIFO ids 1,2, got %d,%d", a.Point.ID, b.Point.ID)
	}
	if rep := fetch(t, e, 1); rep.Status != wire.StatusBusy {
		t.Fatalf("expected busy with every slot outstanding, got %s", rep.Status)
	}
	expectOK(t, report(t, e, 1, a.Point, 1, a.Stamp))
	c := fetch(t, e, 1)
	expectOK(t, c)
	if c.Point.ID != 3 {
		t.Fatalf("expected refilled point 3, got %v", c.Point)
	}
}

func TestDisconnectAppendsHistoryAndReleasesID(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	h, err := history.Open(dir)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	e := newTestEngine(t, nil, func(o *Options) { o.History = h })
	register(t, e, 1, 0)
	expectOK(t, launch(t, e, 1, testSig(t, "hist", "x:int[0,9,1]"), wire.Pair{Key: "session.strategy", Value: "exhaustive"}))
	for _, perf := range []float64{4, 2} {
		rep := fetch(t, e, 1)
		expectOK(t, rep)
		expectOK(t, report(t, e, 1, rep.Point, perf, rep.Stamp))
	}
	// A duplicate measurement of the same configuration is logged once.
	expectOK(t, report(t, e, 1, space.Point{ID: 1, Index: []int64{0}}, 9, 0))

	e.Disconnect(context.Background(), 1)
	if e.Clients().Len() != 0 {
		t.Fatalf("expected no clients, got %d", e.Clients().Len())
	}
	entries, err := e.History("hist", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 2 || entries[0].Perf != 4 || entries[1].Perf != 2 || entries[0].Client != 1 {
		t.Fatalf("unexpected history %+v", entries)
	}
	reopened, _ := history.Open(dir)
	if n, _ := reopened.Len("hist"); n != 2 {
		t.Fatalf("expected two persisted entries, got %d", n)
	}
	if id := register(t, e, 2, 0); id != 1 {
		t.Fatalf("expected id 1 to be reused, got %d", id)
	}
}

// holdReports answers every report with Busy while held is set.
type holdReports struct {
	held *atomic.Bool
}

func (h *holdReports) Name() string { return "hold" }

func (h *holdReports) Report(context.Context, *strategy.Trial) plugin.Result {
	if h.held.Load() {
		return plugin.Hold()
	}
	return plugin.Proceed()
}

func TestBusyReportLeavesNoTrace(t *testing.T) {
	t.Parallel()

	var held atomic.Bool
	held.Store(true)
	plugins := plugin.Builtins()
	plugins.Register("hold", func() plugin.Plugin { return &holdReports{held: &held} })
	dir := t.TempDir()
	h, err := history.Open(dir)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	e := newTestEngine(t, nil, func(o *Options) {
		o.Plugins = plugins
		o.History = h
	})
	register(t, e, 1, 0)
	expectOK(t, launch(t, e, 1, testSig(t, "held", "x:int[0,9,1]"),
		wire.Pair{Key: "session.strategy", Value: "exhaustive"},
		wire.Pair{Key: "session.plugins", Value: "hold"}))

	rep := fetch(t, e, 1)
	expectOK(t, rep)
	if busy := report(t, e, 1, rep.Point, 3, rep.Stamp); busy.Status != wire.StatusBusy {
		t.Fatalf("expected busy report, got %s", busy.Status)
	}
	if n := e.Sessions()[0].Reports; n != 0 {
		t.Fatalf("busy report must not be counted, got %d", n)
	}

	held.Store(false)
	expectOK(t, report(t, e, 1, rep.Point, 3, rep.Stamp))
	if n := e.Sessions()[0].Reports; n != 1 {
		t.Fatalf("expected one counted report, got %d", n)
	}
	e.Disconnect(context.Background(), 1)
	entries, err := e.History("held", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 1 || entries[0].Perf != 3 {
		t.Fatalf("expected only the accepted report in history, got %+v", entries)
	}
}

type blockingStrategy struct {
	strategy.Random
	gate chan struct{}
}

func (b *blockingStrategy) Fetch(ctx context.Context) (space.Point, error) {
	<-b.gate
	return b.Random.Fetch(ctx)
}

func TestSlowStrategyStallsSession(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	reg := strategy.Builtins()
	reg.Register("blocking", func() strategy.Strategy { return &blockingStrategy{gate: gate} })
	e := newTestEngine(t, nil, func(o *Options) {
		o.Strategies = reg
		o.StrategyTimeout = 20 * time.Millisecond
	})
	register(t, e, 1, 0)
	expectOK(t, launch(t, e, 1, testSig(t, "slow", "x:int[0,9,1]"), wire.Pair{Key: "session.strategy", Value: "blocking"}))

	if rep := fetch(t, e, 1); rep.Status != wire.StatusBusy {
		t.Fatalf("expected busy on timeout, got %s", rep.Status)
	}
	if !e.Sessions()[0].Stalled {
		t.Fatal("expected stalled session")
	}
	if rep := fetch(t, e, 1); rep.Status != wire.StatusBusy {
		t.Fatalf("expected busy while stalled, got %s", rep.Status)
	}
	rep := report(t, e, 1, space.Point{ID: 1, Index: []int64{0}}, 1, 0)
	expectFail(t, rep, CodeStrategyTimeout)
	if !IsRetryable(rep.Code) {
		t.Fatal("strategy timeouts must be retryable")
	}

	close(gate)
	deadline := time.Now().Add(2 * time.Second)
	for e.Sessions()[0].Stalled {
		if time.Now().After(deadline) {
			t.Fatal("session never recovered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	expectOK(t, fetch(t, e, 1))
}

func TestFailureClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		code string
	}{
		{cfgstore.ErrNotFound, CodeUnknownKey},
		{cfgstore.ErrInvalidKey, CodeInvalidKey},
		{strategy.ErrTimeout, CodeStrategyTimeout},
		{errors.New("boom"), CodeInternal},
		{failf(CodeNotJoined, "x"), CodeNotJoined},
	}
	for _, tc := range cases {
		if got := classify(tc.err); got.Code != tc.code {
			t.Fatalf("classify(%v) = %s, want %s", tc.err, got.Code, tc.code)
		}
	}
	if (&Failure{Code: CodeIncompatibleSignature}).Retryable() {
		t.Fatal("signature mismatches are not retryable")
	}
}
