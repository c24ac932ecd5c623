package plugin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/harmonyd/internal/cfgstore"
	"pkt.systems/harmonyd/internal/clock"
	"pkt.systems/harmonyd/internal/codegen"
	"pkt.systems/harmonyd/internal/handoff"
	"pkt.systems/harmonyd/internal/space"
	"pkt.systems/harmonyd/internal/strategy"
)

type recordingStrategy struct {
	strategy.Exhaustive
	reports []strategy.Trial
}

func (r *recordingStrategy) Report(ctx context.Context, t strategy.Trial) error {
	r.reports = append(r.reports, t)
	return r.Exhaustive.Report(ctx, t)
}

func testEnv(t *testing.T, cfg map[string]string) Env {
	t.Helper()
	sig, err := space.ParseSignature("test", "x:int[0,3,1]")
	if err != nil {
		t.Fatalf("signature: %v", err)
	}
	return Env{
		Session:   "test",
		Signature: sig,
		Config:    cfgstore.New(cfgstore.Options{Defaults: cfg}),
		Clock:     clock.NewManual(time.Unix(1, 0)),
	}
}

func newTestChain(t *testing.T, env Env, plugins ...Plugin) (*Chain, *recordingStrategy) {
	t.Helper()
	s := &recordingStrategy{}
	if err := s.Init(context.Background(), strategy.Env{Signature: env.Signature, Config: env.Config}); err != nil {
		t.Fatalf("strategy init: %v", err)
	}
	for _, p := range plugins {
		if init, ok := p.(Initializer); ok {
			if err := init.Init(context.Background(), env); err != nil {
				t.Fatalf("init %s: %v", p.Name(), err)
			}
		}
	}
	var id int64
	return NewChain(s, plugins, func() int64 { id++; return id }, nil), s
}

// holder parks every point until released.
type holder struct {
	name     string
	release  map[int64]bool
	fetched  []int64
	reported []string
	order    *[]string
	verdict  Verdict
	busy     bool
}

func (h *holder) Name() string { return h.name }
func (h *holder) Busy() bool   { return h.busy }

func (h *holder) Fetch(_ context.Context, pt *space.Point) Result {
	h.fetched = append(h.fetched, pt.ID)
	if h.release == nil || h.release[pt.ID] {
		return Proceed()
	}
	return Hold()
}

func (h *holder) Report(_ context.Context, trial *strategy.Trial) Result {
	if h.order != nil {
		*h.order = append(*h.order, h.name)
	}
	return Result{Verdict: h.verdict}
}

func TestChainParksAndResumes(t *testing.T) {
	t.Parallel()

	h := &holder{name: "hold", release: map[int64]bool{}}
	c, _ := newTestChain(t, testEnv(t, nil), h)
	ctx := context.Background()

	if _, v, err := c.Fetch(ctx); v != Busy || err != nil {
		t.Fatalf("expected busy, got %v %v", v, err)
	}
	if c.Parked() != 1 {
		t.Fatalf("expected one parked point, got %d", c.Parked())
	}
	h.release[1] = true
	pt, v, err := c.Fetch(ctx)
	if err != nil || v != Continue {
		t.Fatalf("expected continue, got %v %v", v, err)
	}
	if pt.ID != 1 || pt.IndexString() != "0" {
		t.Fatalf("expected parked point 1 to resume, got %v", pt)
	}
	if c.Parked() != 0 {
		t.Fatalf("expected no parked points, got %d", c.Parked())
	}
}

func TestChainGateShortCircuitsStrategy(t *testing.T) {
	t.Parallel()

	h := &holder{name: "gate", busy: true}
	c, _ := newTestChain(t, testEnv(t, nil), h)
	if _, v, err := c.Fetch(context.Background()); v != Busy || err != nil {
		t.Fatalf("expected busy, got %v %v", v, err)
	}
	if len(h.fetched) != 0 {
		t.Fatalf("strategy must not be consulted behind a busy gate, fetched %v", h.fetched)
	}
	h.busy = false
	if pt, v, _ := c.Fetch(context.Background()); v != Continue || pt.ID != 1 {
		t.Fatalf("expected point 1, got %v %v", pt, v)
	}
}

func TestChainReportRunsInReverse(t *testing.T) {
	t.Parallel()

	var order []string
	a := &holder{name: "a", order: &order}
	b := &holder{name: "b", order: &order}
	c, s := newTestChain(t, testEnv(t, nil), a, b)
	pt, _, _ := c.Fetch(context.Background())
	if v, err := c.Report(context.Background(), strategy.Trial{Point: pt, Perf: 1}); v != Continue || err != nil {
		t.Fatalf("report: %v %v", v, err)
	}
	if strings.Join(order, ",") != "b,a" {
		t.Fatalf("expected reverse order, got %v", order)
	}
	if len(s.reports) != 1 {
		t.Fatalf("strategy saw %d reports", len(s.reports))
	}

	order = nil
	b.verdict = Drop
	if v, err := c.Report(context.Background(), strategy.Trial{Point: pt, Perf: 2}); v != Drop || err != nil {
		t.Fatalf("expected drop, got %v %v", v, err)
	}
	if strings.Join(order, ",") != "b" || len(s.reports) != 1 {
		t.Fatalf("drop must stop the chain: order=%v reports=%d", order, len(s.reports))
	}

	b.verdict = Fail
	_, err := c.Report(context.Background(), strategy.Trial{Point: pt, Perf: 3})
	var se *StageError
	if !errors.As(err, &se) || se.Stage != "b" || FromStrategy(err) {
		t.Fatalf("expected stage error from b, got %v", err)
	}
}

func TestBuildUnknownPlugin(t *testing.T) {
	t.Parallel()

	_, err := Build(context.Background(), Builtins(), []string{"log", "nope"}, testEnv(t, nil))
	if !errors.Is(err, ErrUnknownPlugin) {
		t.Fatalf("expected ErrUnknownPlugin, got %v", err)
	}
	if _, err := Build(context.Background(), Builtins(), []string{"codegen"}, testEnv(t, nil)); err == nil {
		t.Fatal("codegen without a handoff must fail init")
	}
}

func TestAggForwardsMedian(t *testing.T) {
	t.Parallel()

	env := testEnv(t, map[string]string{"agg.times": "3", "agg.func": "median"})
	c, s := newTestChain(t, env, &Agg{})
	ctx := context.Background()

	var points []space.Point
	for range 3 {
		pt, v, err := c.Fetch(ctx)
		if v != Continue || err != nil {
			t.Fatalf("fetch: %v %v", v, err)
		}
		points = append(points, pt)
	}
	for _, pt := range points {
		if pt.ID != 1 {
			t.Fatalf("expected point 1 three times, got %v", points)
		}
	}
	for i, perf := range []float64{9, 1, 4} {
		v, err := c.Report(ctx, strategy.Trial{Point: points[i], Perf: perf})
		if err != nil {
			t.Fatalf("report: %v", err)
		}
		want := Drop
		if i == 2 {
			want = Continue
		}
		if v != want {
			t.Fatalf("report %d: expected %v, got %v", i, want, v)
		}
	}
	if len(s.reports) != 1 || s.reports[0].Perf != 4 {
		t.Fatalf("expected a single report with perf 4, got %+v", s.reports)
	}
	if pt, _, _ := c.Fetch(ctx); pt.ID != 2 {
		t.Fatalf("expected a fresh point, got %v", pt)
	}
}

func TestAggRejectsUnknownFunc(t *testing.T) {
	t.Parallel()

	a := &Agg{}
	if err := a.Init(context.Background(), testEnv(t, map[string]string{"agg.times": "2", "agg.func": "mode"})); err == nil {
		t.Fatal("expected error for unknown agg.func")
	}
}

func TestLogWritesTrace(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "trace.log")
	c, _ := newTestChain(t, testEnv(t, map[string]string{"log.file": path}), &Log{})
	ctx := context.Background()
	pt, _, _ := c.Fetch(ctx)
	if _, err := c.Report(ctx, strategy.Trial{Point: pt, Perf: 2.5}); err != nil {
		t.Fatalf("report: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read trace: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected two lines, got %q", data)
	}
	if !strings.HasSuffix(lines[0], "fetch  1 0") || !strings.HasSuffix(lines[1], "report 1 0 2.5") {
		t.Fatalf("unexpected trace %q", data)
	}
}

func TestCodegenHoldsUntilRoundCompletes(t *testing.T) {
	t.Parallel()

	mb := handoff.NewMailbox()
	t.Cleanup(func() { _ = mb.Close() })
	env := testEnv(t, map[string]string{"codegen.batch": "2"})
	env.Handoff = mb
	env.App = "app"
	cg := &Codegen{}
	c, _ := newTestChain(t, env, cg)
	ctx := context.Background()

	for range 2 {
		if _, v, err := c.Fetch(ctx); v != Busy || err != nil {
			t.Fatalf("expected busy while generating, got %v %v", v, err)
		}
	}
	if c.Parked() != 2 {
		t.Fatalf("expected two parked points, got %d", c.Parked())
	}
	if status, _ := env.Config.Lookup(StatusKey); status != "round 1 pending" {
		t.Fatalf("unexpected status %q", status)
	}

	b, err := mb.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	parsed, err := codegen.ParseBatch(b.Text)
	if err != nil {
		t.Fatalf("parse batch %q: %v", b.Text, err)
	}
	if b.App != "app" || b.Round != 1 || len(parsed.Primary) != 2 {
		t.Fatalf("unexpected batch %+v", b)
	}

	c.Poll(ctx)
	if _, v, _ := c.Fetch(ctx); v != Busy {
		t.Fatalf("points must stay parked until completion, got %v", v)
	}

	if err := mb.Complete(handoff.Completion{App: "app", Round: 1, Units: 2}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	c.Poll(ctx)
	for _, want := range []int64{1, 2} {
		pt, v, err := c.Fetch(ctx)
		if v != Continue || err != nil || pt.ID != want {
			t.Fatalf("expected point %d released, got %v %v %v", want, pt, v, err)
		}
	}
	if status, _ := env.Config.Lookup(StatusKey); status != "round 1 complete" {
		t.Fatalf("unexpected status %q", status)
	}
}

func TestCodegenNeighbours(t *testing.T) {
	t.Parallel()

	env := testEnv(t, map[string]string{"codegen.neighbors": "5"})
	env.Handoff = handoff.NewMailbox()
	cg := &Codegen{}
	if err := cg.Init(context.Background(), env); err != nil {
		t.Fatalf("init: %v", err)
	}
	got := cg.neighbourVectors([][]int64{{0}, {1}})
	if len(got) != 1 || got[0][0] != 2 {
		t.Fatalf("expected only [2] as neighbour, got %v", got)
	}
}
