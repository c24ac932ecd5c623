package strategy

import (
	"context"
	"fmt"

	"pkt.systems/harmonyd/internal/space"
)

// Exhaustive enumerates the space in odometer order, last variable fastest.
// It converges once every point of the final pass has been reported.
type Exhaustive struct {
	env     Env
	passes  int
	pass    int
	cursor  []int64
	done    bool
	fetched int
	reports int
	tracker bestTracker
}

// Init reads exhaustive.passes (default 1).
func (e *Exhaustive) Init(_ context.Context, env Env) error {
	e.env = env
	e.passes = 1
	if env.Config != nil {
		e.passes = env.Config.Int("exhaustive.passes", 1)
	}
	if e.passes < 1 {
		return fmt.Errorf("strategy exhaustive: exhaustive.passes must be >= 1")
	}
	e.cursor = make([]int64, len(env.Signature.Ranges))
	return nil
}

// Fetch returns the next point, or ErrBusy while the last points of the
// final pass are still being measured.
func (e *Exhaustive) Fetch(context.Context) (space.Point, error) {
	if e.done {
		return space.Point{}, ErrBusy
	}
	pt := space.Point{Step: int64(e.pass), Index: append([]int64(nil), e.cursor...)}
	e.fetched++
	e.advance()
	return pt, nil
}

func (e *Exhaustive) advance() {
	ranges := e.env.Signature.Ranges
	for i := len(ranges) - 1; i >= 0; i-- {
		e.cursor[i]++
		if e.cursor[i] < ranges[i].MaxIdx() {
			return
		}
		e.cursor[i] = 0
	}
	e.pass++
	if e.pass >= e.passes {
		e.done = true
	}
}

// Report records the measurement.
func (e *Exhaustive) Report(_ context.Context, t Trial) error {
	if e.reports < e.fetched {
		e.reports++
	}
	e.tracker.observe(t)
	return nil
}

// Best returns the lowest reported point.
func (e *Exhaustive) Best() (space.Point, float64) { return e.tracker.best() }

// Converged reports whether enumeration finished and every point came back.
func (e *Exhaustive) Converged() bool {
	return e.done && e.reports >= e.fetched
}
