package strategy

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"pkt.systems/harmonyd/internal/clock"
	"pkt.systems/harmonyd/internal/space"
)

// ErrTimeout reports a strategy call that exceeded its deadline, or a call
// refused because an earlier timed-out call has not returned yet.
var ErrTimeout = errors.New("strategy: call timed out")

// Guarded bounds every call into a strategy. A call that overruns is
// abandoned; until it returns the strategy is stalled and further calls
// fail fast, so the wrapped strategy is never entered concurrently.
type Guarded struct {
	inner   Strategy
	timeout time.Duration
	clock   clock.Clock

	mu        sync.Mutex
	stalled   bool
	best      space.Point
	bestPerf  float64
	converged bool
}

// Guard wraps s. A non-positive timeout disables the deadline.
func Guard(s Strategy, timeout time.Duration, c clock.Clock) *Guarded {
	return &Guarded{inner: s, timeout: timeout, clock: clock.Ensure(c), best: space.NoPoint(), bestPerf: math.Inf(1)}
}

// Stalled reports whether an abandoned call is still running.
func (g *Guarded) Stalled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stalled
}

func (g *Guarded) call(ctx context.Context, fn func(context.Context) error) error {
	g.mu.Lock()
	if g.stalled {
		g.mu.Unlock()
		return ErrTimeout
	}
	g.mu.Unlock()
	if g.timeout <= 0 {
		err := fn(ctx)
		g.snapshot()
		return err
	}
	callCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		err := fn(callCtx)
		g.snapshot()
		done <- err
		g.mu.Lock()
		g.stalled = false
		g.mu.Unlock()
	}()
	var timeout error
	select {
	case err := <-done:
		cancel()
		return err
	case <-g.clock.After(g.timeout):
		timeout = ErrTimeout
	case <-ctx.Done():
		timeout = ctx.Err()
	}
	defer cancel()
	g.mu.Lock()
	defer g.mu.Unlock()
	// The call may have finished while the timer fired.
	select {
	case err := <-done:
		return err
	default:
	}
	g.stalled = true
	return timeout
}

func (g *Guarded) snapshot() {
	best, perf := g.inner.Best()
	converged := g.inner.Converged()
	g.mu.Lock()
	g.best, g.bestPerf, g.converged = best, perf, converged
	g.mu.Unlock()
}

// Init implements Strategy.
func (g *Guarded) Init(ctx context.Context, env Env) error {
	return g.call(ctx, func(ctx context.Context) error { return g.inner.Init(ctx, env) })
}

// Fetch implements Strategy. A timeout or stall surfaces as ErrBusy.
func (g *Guarded) Fetch(ctx context.Context) (space.Point, error) {
	var pt space.Point
	err := g.call(ctx, func(ctx context.Context) error {
		var err error
		pt, err = g.inner.Fetch(ctx)
		return err
	})
	if errors.Is(err, ErrTimeout) {
		return space.Point{}, ErrBusy
	}
	if err != nil {
		return space.Point{}, err
	}
	return pt, nil
}

// Report implements Strategy.
func (g *Guarded) Report(ctx context.Context, trial Trial) error {
	return g.call(ctx, func(ctx context.Context) error { return g.inner.Report(ctx, trial) })
}

// Best returns the best point as of the last completed call.
func (g *Guarded) Best() (space.Point, float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.best.Clone(), g.bestPerf
}

// Converged reports convergence as of the last completed call.
func (g *Guarded) Converged() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.converged
}
