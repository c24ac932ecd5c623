// Package strategy defines the search strategy port and the registry that
// resolves strategy names at session start.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/harmonyd/internal/cfgstore"
	"pkt.systems/harmonyd/internal/clock"
	"pkt.systems/harmonyd/internal/space"
)

var (
	// ErrBusy reports that the strategy cannot produce a point right now.
	ErrBusy = errors.New("strategy: busy")
	// ErrUnknownStrategy reports a name missing from the registry.
	ErrUnknownStrategy = errors.New("strategy: unknown strategy")
)

// Env is what a strategy sees of its session.
type Env struct {
	Session   string
	Signature space.Signature
	Config    *cfgstore.Store
	Logger    pslog.Logger
	Clock     clock.Clock
}

// Trial is one reported measurement.
type Trial struct {
	Point  space.Point
	Perf   float64
	Client int64
	Stamp  int64
}

// Strategy decides which configuration to try next. Implementations are
// only ever called from one goroutine at a time. Lower performance values
// are better.
type Strategy interface {
	Init(ctx context.Context, env Env) error
	// Fetch returns the next configuration. The session assigns the id.
	// ErrBusy means no point is available yet.
	Fetch(ctx context.Context) (space.Point, error)
	Report(ctx context.Context, trial Trial) error
	// Best returns the best reported point, or NoPoint and +Inf.
	Best() (space.Point, float64)
	Converged() bool
}

// Factory constructs a fresh strategy instance.
type Factory func() Strategy

// Registry maps strategy names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Builtins returns a registry holding the bundled strategies.
func Builtins() *Registry {
	r := NewRegistry()
	r.Register("random", func() Strategy { return &Random{} })
	r.Register("exhaustive", func() Strategy { return &Exhaustive{} })
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// New instantiates the named strategy.
func (r *Registry) New(name string) (Strategy, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (have %v)", ErrUnknownStrategy, name, r.Names())
	}
	return f(), nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Names lists registered strategies.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// bestTracker keeps the lowest reported performance.
type bestTracker struct {
	point space.Point
	perf  float64
	set   bool
}

func (b *bestTracker) observe(t Trial) {
	if math.IsNaN(t.Perf) {
		return
	}
	if !b.set || t.Perf < b.perf {
		b.point = t.Point.Clone()
		b.perf = t.Perf
		b.set = true
	}
}

func (b *bestTracker) best() (space.Point, float64) {
	if !b.set {
		return space.NoPoint(), math.Inf(1)
	}
	return b.point.Clone(), b.perf
}
