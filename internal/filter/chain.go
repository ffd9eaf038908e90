// Package filter is the ordered disturb-filter pipeline every record passes
// before fan-out.
package filter

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"notifd/internal/notification"
	"notifd/pkg/logx"
)

type Verdict uint8

const (
	Allow Verdict = iota
	Suppress
	Defer
)

func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case Suppress:
		return "suppress"
	case Defer:
		return "defer"
	default:
		return fmt.Sprintf("verdict(%d)", uint8(v))
	}
}

// Decision is the transient outcome of one filter or of the whole chain.
type Decision struct {
	Verdict Verdict
	Filter  string
	Reason  string
	Until   time.Time // Defer: when to re-evaluate
}

func Allowed() Decision { return Decision{Verdict: Allow} }

// Filter inspects and may annotate a record. OnPublish runs synchronously on
// the publish path and must not block.
type Filter interface {
	Name() string
	OnStart(ctx context.Context) error
	OnStop(ctx context.Context) error
	OnPublish(ctx context.Context, rec *notification.Record) Decision
}

// Chain runs filters in registration order. The first Suppress or Defer
// stops evaluation.
type Chain struct {
	log     logx.Logger
	filters []Filter
}

func NewChain(log logx.Logger, filters ...Filter) *Chain {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Chain{log: log.With(logx.String("comp", "filter")), filters: filters}
}

func (c *Chain) Names() []string {
	out := make([]string, len(c.filters))
	for i, f := range c.filters {
		out[i] = f.Name()
	}
	return out
}

// Start calls OnStart on every filter; the first error aborts.
func (c *Chain) Start(ctx context.Context) error {
	for _, f := range c.filters {
		if err := f.OnStart(ctx); err != nil {
			return fmt.Errorf("filter %s: start: %w", f.Name(), err)
		}
	}
	return nil
}

// Stop calls OnStop in reverse order and logs failures.
func (c *Chain) Stop(ctx context.Context) {
	for i := len(c.filters) - 1; i >= 0; i-- {
		if err := c.filters[i].OnStop(ctx); err != nil {
			c.log.Warn("filter stop failed", logx.String("filter", c.filters[i].Name()), logx.Err(err))
		}
	}
}

// Evaluate runs rec through the chain. Filters may mutate rec.
func (c *Chain) Evaluate(ctx context.Context, rec *notification.Record) Decision {
	for _, f := range c.filters {
		d := c.run(ctx, f, rec)
		if d.Verdict == Allow {
			continue
		}
		d.Filter = f.Name()
		return d
	}
	return Allowed()
}

// run isolates one filter: a panic is logged and counts as Allow.
func (c *Chain) run(ctx context.Context, f Filter, rec *notification.Record) (d Decision) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("filter panicked; treating as allow",
				logx.String("filter", f.Name()),
				logx.String("key", string(rec.Identity.Key())),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
			d = Allowed()
		}
	}()
	return f.OnPublish(ctx, rec)
}

// base gives filters no-op lifecycle hooks.
type base struct{}

func (base) OnStart(context.Context) error { return nil }
func (base) OnStop(context.Context) error  { return nil }
