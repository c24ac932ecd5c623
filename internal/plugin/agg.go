package plugin

import (
	"context"
	"fmt"
	"math"
	"sort"

	"pkt.systems/harmonyd/internal/space"
	"pkt.systems/harmonyd/internal/strategy"
)

// Agg measures each point agg.times times and forwards one report carrying
// the aggregate (agg.func: min, max, mean or median). Intermediate reports
// are dropped.
type Agg struct {
	times   int
	fn      func([]float64) float64
	pending map[int64]*aggPoint
	reissue []space.Point
}

type aggPoint struct {
	issued int
	perfs  []float64
}

func (a *Agg) Name() string { return "agg" }

func (a *Agg) Init(_ context.Context, env Env) error {
	a.times = 1
	name := "min"
	if env.Config != nil {
		a.times = env.Config.Int("agg.times", 1)
		name = env.Config.String("agg.func", "min")
	}
	if a.times < 1 {
		return fmt.Errorf("agg.times must be >= 1, got %d", a.times)
	}
	fn, ok := aggregators[name]
	if !ok {
		return fmt.Errorf("unknown agg.func %q", name)
	}
	a.fn = fn
	a.pending = make(map[int64]*aggPoint)
	return nil
}

// Supply re-issues points still owed measurements.
func (a *Agg) Supply() (space.Point, bool) {
	if len(a.reissue) == 0 {
		return space.Point{}, false
	}
	pt := a.reissue[0]
	a.reissue = a.reissue[1:]
	if st, ok := a.pending[pt.ID]; ok {
		st.issued++
	}
	return pt.Clone(), true
}

func (a *Agg) Fetch(_ context.Context, pt *space.Point) Result {
	if a.times <= 1 {
		return Proceed()
	}
	if _, ok := a.pending[pt.ID]; ok {
		return Proceed()
	}
	a.pending[pt.ID] = &aggPoint{issued: 1}
	for range a.times - 1 {
		a.reissue = append(a.reissue, pt.Clone())
	}
	return Proceed()
}

func (a *Agg) Report(_ context.Context, trial *strategy.Trial) Result {
	if a.times <= 1 {
		return Proceed()
	}
	st, ok := a.pending[trial.Point.ID]
	if !ok {
		return Proceed()
	}
	st.perfs = append(st.perfs, trial.Perf)
	if len(st.perfs) < a.times {
		return Discard()
	}
	trial.Perf = a.fn(st.perfs)
	delete(a.pending, trial.Point.ID)
	return Proceed()
}

var aggregators = map[string]func([]float64) float64{
	"min": func(v []float64) float64 {
		out := math.Inf(1)
		for _, f := range v {
			out = math.Min(out, f)
		}
		return out
	},
	"max": func(v []float64) float64 {
		out := math.Inf(-1)
		for _, f := range v {
			out = math.Max(out, f)
		}
		return out
	},
	"mean": func(v []float64) float64 {
		sum := 0.0
		for _, f := range v {
			sum += f
		}
		return sum / float64(len(v))
	},
	"median": func(v []float64) float64 {
		s := append([]float64(nil), v...)
		sort.Float64s(s)
		mid := len(s) / 2
		if len(s)%2 == 1 {
			return s[mid]
		}
		return (s[mid-1] + s[mid]) / 2
	},
}
