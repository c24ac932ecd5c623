package strategy

import (
	"context"
	"fmt"
	"math/rand/v2"

	"pkt.systems/harmonyd/internal/clock"
	"pkt.systems/harmonyd/internal/space"
)

// Random samples index vectors uniformly. It converges after
// random.max_trials reports when that key is positive.
type Random struct {
	env       Env
	rng       *rand.Rand
	maxTrials int
	reports   int
	tracker   bestTracker
}

// Init seeds the generator from random.seed, falling back to the clock.
func (r *Random) Init(_ context.Context, env Env) error {
	r.env = env
	seed := uint64(clock.Ensure(env.Clock).Now().UnixNano())
	if env.Config != nil {
		seed = uint64(env.Config.Int64("random.seed", int64(seed)))
		r.maxTrials = env.Config.Int("random.max_trials", 0)
	}
	if r.maxTrials < 0 {
		return fmt.Errorf("strategy random: random.max_trials must be >= 0")
	}
	r.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	return nil
}

// Fetch draws a new point.
func (r *Random) Fetch(context.Context) (space.Point, error) {
	idx := make([]int64, len(r.env.Signature.Ranges))
	for i, rg := range r.env.Signature.Ranges {
		idx[i] = r.rng.Int64N(rg.MaxIdx())
	}
	return space.Point{Index: idx}, nil
}

// Report records the measurement.
func (r *Random) Report(_ context.Context, t Trial) error {
	r.reports++
	r.tracker.observe(t)
	return nil
}

// Best returns the lowest reported point.
func (r *Random) Best() (space.Point, float64) { return r.tracker.best() }

// Converged reports whether the trial budget is spent.
func (r *Random) Converged() bool {
	return r.maxTrials > 0 && r.reports >= r.maxTrials
}
