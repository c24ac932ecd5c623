package strategy

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"pkt.systems/harmonyd/internal/cfgstore"
	"pkt.systems/harmonyd/internal/clock"
	"pkt.systems/harmonyd/internal/space"
)

func testEnv(t *testing.T, cfg map[string]string, ranges ...string) Env {
	t.Helper()
	sig, err := space.ParseSignature("test", ranges...)
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

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := Builtins()
	if !r.Has("random") || !r.Has("exhaustive") {
		t.Fatalf("missing builtins: %v", r.Names())
	}
	if _, err := r.New("nelder-mead"); !errors.Is(err, ErrUnknownStrategy) {
		t.Fatalf("expected ErrUnknownStrategy, got %v", err)
	}
	a, _ := r.New("random")
	b, _ := r.New("random")
	if a == b {
		t.Fatal("factory must return fresh instances")
	}
}

func TestRandomStaysInBoundsAndTracksBest(t *testing.T) {
	t.Parallel()

	env := testEnv(t, map[string]string{"random.seed": "42", "random.max_trials": "3"}, "x:int[0,10,1]", "y:enum[a,b,c]")
	s := &Random{}
	if err := s.Init(context.Background(), env); err != nil {
		t.Fatalf("init: %v", err)
	}
	if p, perf := s.Best(); p.Valid() || !math.IsInf(perf, 1) {
		t.Fatalf("expected no best, got %v %v", p, perf)
	}
	perfs := []float64{5, 2, 9}
	for i, perf := range perfs {
		pt, err := s.Fetch(context.Background())
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		pt.ID = int64(i)
		if err := pt.Check(env.Signature); err != nil {
			t.Fatalf("out of bounds point %v: %v", pt, err)
		}
		if s.Converged() {
			t.Fatal("converged early")
		}
		if err := s.Report(context.Background(), Trial{Point: pt, Perf: perf}); err != nil {
			t.Fatalf("report: %v", err)
		}
	}
	best, perf := s.Best()
	if best.ID != 1 || perf != 2 {
		t.Fatalf("expected point 1 with perf 2, got %v %v", best, perf)
	}
	if !s.Converged() {
		t.Fatal("expected convergence after max_trials")
	}
}

func TestRandomSeedIsDeterministic(t *testing.T) {
	t.Parallel()

	draw := func() []int64 {
		env := testEnv(t, map[string]string{"random.seed": "7"}, "x:int[0,1000,1]")
		s := &Random{}
		if err := s.Init(context.Background(), env); err != nil {
			t.Fatalf("init: %v", err)
		}
		var out []int64
		for range 5 {
			pt, _ := s.Fetch(context.Background())
			out = append(out, pt.Index[0])
		}
		return out
	}
	a, b := draw(), draw()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("seeded draws differ: %v vs %v", a, b)
		}
	}
}

func TestExhaustiveEnumeratesThenConverges(t *testing.T) {
	t.Parallel()

	env := testEnv(t, nil, "x:int[0,1,1]", "y:int[0,2,1]")
	s := &Exhaustive{}
	if err := s.Init(context.Background(), env); err != nil {
		t.Fatalf("init: %v", err)
	}
	want := [][2]int64{{0, 0}, {0, 1}, {0, 2}, {1, 0}, {1, 1}, {1, 2}}
	var fetched []space.Point
	for i, w := range want {
		pt, err := s.Fetch(context.Background())
		if err != nil {
			t.Fatalf("fetch %d: %v", i, err)
		}
		if pt.Index[0] != w[0] || pt.Index[1] != w[1] {
			t.Fatalf("fetch %d: got %v want %v", i, pt.Index, w)
		}
		pt.ID = int64(i)
		fetched = append(fetched, pt)
	}
	if _, err := s.Fetch(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy after enumeration, got %v", err)
	}
	for i, pt := range fetched {
		if s.Converged() {
			t.Fatalf("converged with %d reports outstanding", len(fetched)-i)
		}
		_ = s.Report(context.Background(), Trial{Point: pt, Perf: float64(10 - i)})
	}
	if !s.Converged() {
		t.Fatal("expected convergence")
	}
	best, _ := s.Best()
	if best.ID != 5 {
		t.Fatalf("expected last point to be best, got %v", best)
	}
}

func TestExhaustivePassesAndZeroDims(t *testing.T) {
	t.Parallel()

	env := testEnv(t, map[string]string{"exhaustive.passes": "2"}, "x:int[0,1,1]")
	s := &Exhaustive{}
	if err := s.Init(context.Background(), env); err != nil {
		t.Fatalf("init: %v", err)
	}
	for i := range 4 {
		pt, err := s.Fetch(context.Background())
		if err != nil {
			t.Fatalf("fetch %d: %v", i, err)
		}
		if pt.Step != int64(i/2) {
			t.Fatalf("fetch %d: step %d", i, pt.Step)
		}
	}
	if _, err := s.Fetch(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	empty := Env{Signature: space.Signature{Name: "empty"}}
	z := &Exhaustive{}
	if err := z.Init(context.Background(), empty); err != nil {
		t.Fatalf("init: %v", err)
	}
	if pt, err := z.Fetch(context.Background()); err != nil || len(pt.Index) != 0 {
		t.Fatalf("zero-dim fetch: %v %v", pt, err)
	}
	if _, err := z.Fetch(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

type slowStrategy struct {
	Random
	release chan struct{}
}

func (s *slowStrategy) Report(ctx context.Context, t Trial) error {
	<-s.release
	return s.Random.Report(ctx, t)
}

func TestGuardTimesOutAndStalls(t *testing.T) {
	t.Parallel()

	env := testEnv(t, map[string]string{"random.seed": "1"}, "x:int[0,3,1]")
	inner := &slowStrategy{release: make(chan struct{})}
	g := Guard(inner, 20*time.Millisecond, clock.Real{})
	ctx := context.Background()
	if err := g.Init(ctx, env); err != nil {
		t.Fatalf("init: %v", err)
	}
	pt, err := g.Fetch(ctx)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	pt.ID = 0
	if err := g.Report(ctx, Trial{Point: pt, Perf: 1}); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if !g.Stalled() {
		t.Fatal("expected stalled strategy")
	}
	if _, err := g.Fetch(ctx); !errors.Is(err, ErrBusy) {
		t.Fatalf("stalled fetch: expected ErrBusy, got %v", err)
	}
	close(inner.release)
	deadline := time.Now().Add(5 * time.Second)
	for g.Stalled() {
		if time.Now().After(deadline) {
			t.Fatal("strategy never recovered")
		}
		time.Sleep(time.Millisecond)
	}
	best, perf := g.Best()
	if best.ID != 0 || perf != 1 {
		t.Fatalf("abandoned report not reflected in best: %v %v", best, perf)
	}
	if _, err := g.Fetch(ctx); err != nil {
		t.Fatalf("fetch after recovery: %v", err)
	}
}
