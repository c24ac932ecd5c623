package plugin

import (
	"context"
	"errors"
	"fmt"

	"pkt.systems/pslog"

	"pkt.systems/harmonyd/internal/space"
	"pkt.systems/harmonyd/internal/strategy"
	"pkt.systems/harmonyd/internal/svcfields"
)

type parkedPoint struct {
	point space.Point
	stage int
}

// Chain threads fetches and reports through the plugins and the strategy.
// It is owned by the dispatch loop and not safe for concurrent use.
type Chain struct {
	strategy strategy.Strategy
	plugins  []Plugin
	nextID   func() int64
	logger   pslog.Logger
	parked   []parkedPoint
}

// NewChain builds a chain. nextID assigns session-unique point ids.
func NewChain(s strategy.Strategy, plugins []Plugin, nextID func() int64, logger pslog.Logger) *Chain {
	return &Chain{
		strategy: s,
		plugins:  plugins,
		nextID:   nextID,
		logger:   svcfields.WithSubsystem(svcfields.Ensure(logger), "session.chain"),
	}
}

// Build resolves names against reg and runs every Initializer.
func Build(ctx context.Context, reg *Registry, names []string, env Env) ([]Plugin, error) {
	var out []Plugin
	for _, name := range names {
		p, err := reg.New(name)
		if err != nil {
			finiAll(out)
			return nil, err
		}
		if init, ok := p.(Initializer); ok {
			if err := init.Init(ctx, env); err != nil {
				finiAll(out)
				return nil, fmt.Errorf("plugin %s: init: %w", name, err)
			}
		}
		out = append(out, p)
	}
	return out, nil
}

func finiAll(plugins []Plugin) error {
	var errs []error
	for _, p := range plugins {
		if f, ok := p.(Finalizer); ok {
			if err := f.Fini(); err != nil {
				errs = append(errs, fmt.Errorf("plugin %s: fini: %w", p.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}

// Plugins returns the chain's plugins in registration order.
func (c *Chain) Plugins() []Plugin { return c.plugins }

// Parked counts points waiting at a plugin stage.
func (c *Chain) Parked() int { return len(c.parked) }

// Fetch produces the next point. Busy means no point is available now.
func (c *Chain) Fetch(ctx context.Context) (space.Point, Verdict, error) {
	for i := 0; i < len(c.parked); {
		p := c.parked[i]
		pt := p.point
		verdict, stage, err := c.runFetch(ctx, &pt, p.stage)
		switch verdict {
		case Busy:
			c.parked[i] = parkedPoint{point: pt, stage: stage}
			i++
			continue
		case Drop:
			c.unpark(i)
			continue
		}
		c.unpark(i)
		return pt, verdict, err
	}

	for i, pl := range c.plugins {
		s, ok := pl.(Supplier)
		if !ok {
			continue
		}
		pt, ok := s.Supply()
		if !ok {
			continue
		}
		verdict, stage, err := c.runFetch(ctx, &pt, i+1)
		if verdict == Busy {
			c.park(pt, stage)
		}
		if verdict == Drop {
			continue
		}
		return pt, verdict, err
	}

	for _, pl := range c.plugins {
		if g, ok := pl.(Gate); ok && g.Busy() {
			return space.NoPoint(), Busy, nil
		}
	}

	pt, err := c.strategy.Fetch(ctx)
	if errors.Is(err, strategy.ErrBusy) {
		return space.NoPoint(), Busy, nil
	}
	if err != nil {
		return space.NoPoint(), Fail, &StageError{Stage: StrategyStage, Err: err}
	}
	pt.ID = c.nextID()
	verdict, stage, err := c.runFetch(ctx, &pt, 0)
	switch verdict {
	case Busy:
		c.park(pt, stage)
		return space.NoPoint(), Busy, nil
	case Drop:
		return space.NoPoint(), Busy, nil
	}
	return pt, verdict, err
}

// runFetch runs Fetcher hooks from stage on. It returns the stage that
// stopped the chain.
func (c *Chain) runFetch(ctx context.Context, pt *space.Point, from int) (Verdict, int, error) {
	for i := from; i < len(c.plugins); i++ {
		f, ok := c.plugins[i].(Fetcher)
		if !ok {
			continue
		}
		res := f.Fetch(ctx, pt)
		switch res.Verdict {
		case Continue:
			continue
		case Fail:
			return Fail, i, &StageError{Stage: c.plugins[i].Name(), Err: res.Err}
		default:
			return res.Verdict, i, nil
		}
	}
	return Continue, len(c.plugins), nil
}

func (c *Chain) park(pt space.Point, stage int) {
	c.parked = append(c.parked, parkedPoint{point: pt.Clone(), stage: stage})
	c.logger.Trace("chain.fetch.parked", "point", pt.ID, "stage", c.stageName(stage))
}

func (c *Chain) unpark(i int) {
	c.parked = append(c.parked[:i], c.parked[i+1:]...)
}

func (c *Chain) stageName(i int) string {
	if i < len(c.plugins) {
		return c.plugins[i].Name()
	}
	return "client"
}

// Report threads trial through the plugins in reverse, then the strategy.
func (c *Chain) Report(ctx context.Context, trial strategy.Trial) (Verdict, error) {
	for i := len(c.plugins) - 1; i >= 0; i-- {
		r, ok := c.plugins[i].(Reporter)
		if !ok {
			continue
		}
		res := r.Report(ctx, &trial)
		switch res.Verdict {
		case Continue:
			continue
		case Fail:
			return Fail, &StageError{Stage: c.plugins[i].Name(), Err: res.Err}
		default:
			return res.Verdict, nil
		}
	}
	if err := c.strategy.Report(ctx, trial); err != nil {
		return Fail, &StageError{Stage: StrategyStage, Err: err}
	}
	return Continue, nil
}

// Poll drives every Poller.
func (c *Chain) Poll(ctx context.Context) {
	for _, pl := range c.plugins {
		if p, ok := pl.(Poller); ok {
			p.Poll(ctx)
		}
	}
}

// Best forwards to the strategy.
func (c *Chain) Best() (space.Point, float64) { return c.strategy.Best() }

// Converged forwards to the strategy.
func (c *Chain) Converged() bool { return c.strategy.Converged() }

// Close finalizes every plugin.
func (c *Chain) Close() error {
	return finiAll(c.plugins)
}
