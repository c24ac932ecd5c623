// Package plugin implements the chain of plugins that wraps a session's
// strategy, plus the registry resolving plugin names at session start.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/harmonyd/internal/cfgstore"
	"pkt.systems/harmonyd/internal/clock"
	"pkt.systems/harmonyd/internal/handoff"
	"pkt.systems/harmonyd/internal/space"
	"pkt.systems/harmonyd/internal/strategy"
)

// ErrUnknownPlugin reports a name missing from the registry.
var ErrUnknownPlugin = errors.New("plugin: unknown plugin")

// Verdict is a plugin's decision about a point or report.
type Verdict uint8

const (
	// Continue passes the point to the next stage.
	Continue Verdict = iota
	// Busy holds the point. For fetches the point is parked at this stage
	// and offered to the same plugin again later.
	Busy
	// Fail aborts the operation with an error.
	Fail
	// Drop silently ends the operation.
	Drop
)

func (v Verdict) String() string {
	switch v {
	case Continue:
		return "continue"
	case Busy:
		return "busy"
	case Fail:
		return "fail"
	case Drop:
		return "drop"
	default:
		return fmt.Sprintf("verdict(%d)", v)
	}
}

// Result is what a plugin hook returns.
type Result struct {
	Verdict Verdict
	Err     error
}

// Proceed continues the chain.
func Proceed() Result { return Result{Verdict: Continue} }

// Hold parks the point or rejects the report as busy.
func Hold() Result { return Result{Verdict: Busy} }

// Reject fails the operation.
func Reject(err error) Result { return Result{Verdict: Fail, Err: err} }

// Discard drops the operation.
func Discard() Result { return Result{Verdict: Drop} }

// Env is what a plugin sees of its session.
type Env struct {
	Session   string
	Signature space.Signature
	Config    *cfgstore.Store
	Logger    pslog.Logger
	Clock     clock.Clock
	// Handoff is nil unless code generation is enabled.
	Handoff handoff.Producer
	// App names the code generation application.
	App string
}

// Plugin is the minimal plugin. Hooks are optional interfaces.
type Plugin interface {
	Name() string
}

// Initializer runs once at session start.
type Initializer interface {
	Init(ctx context.Context, env Env) error
}

// Gate is consulted before the strategy; a busy gate answers BUSY without
// asking the strategy for a point.
type Gate interface {
	Busy() bool
}

// Supplier hands out points of its own ahead of the strategy. Supplied
// points enter the chain after the supplying plugin.
type Supplier interface {
	Supply() (space.Point, bool)
}

// Fetcher sees every fetched point in registration order.
type Fetcher interface {
	Fetch(ctx context.Context, pt *space.Point) Result
}

// Reporter sees every report in reverse registration order.
type Reporter interface {
	Report(ctx context.Context, trial *strategy.Trial) Result
}

// Poller is driven by the session tick.
type Poller interface {
	Poll(ctx context.Context)
}

// Finalizer runs when the session ends.
type Finalizer interface {
	Fini() error
}

// Factory builds a fresh plugin instance.
type Factory func() Plugin

// Registry maps plugin names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Builtins returns a registry holding the bundled plugins.
func Builtins() *Registry {
	r := NewRegistry()
	r.Register("log", func() Plugin { return &Log{} })
	r.Register("agg", func() Plugin { return &Agg{} })
	r.Register("codegen", func() Plugin { return &Codegen{} })
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// New instantiates the named plugin.
func (r *Registry) New(name string) (Plugin, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlugin, name)
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

// Names lists registered plugins.
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

// StageError names the stage that failed an operation: "strategy" or a
// plugin name.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return e.Stage + ": failed"
	}
	return e.Stage + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error { return e.Err }

// FromStrategy reports whether err came from the strategy stage.
func FromStrategy(err error) bool {
	var se *StageError
	return errors.As(err, &se) && se.Stage == StrategyStage
}

// StrategyStage is the StageError stage of strategy failures.
const StrategyStage = "strategy"
