// Package broker is the publish pipeline: record store, filter chain,
// subscriber fan-out, reminders and cross-device sync behind one
// per-identity serialized API.
package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"notifd/internal/eventbus"
	"notifd/internal/filter"
	"notifd/internal/notification"
	"notifd/internal/record"
	"notifd/internal/reminder"
	rtsup "notifd/internal/runtime/supervisor"
	"notifd/internal/subscriber"
	"notifd/pkg/logx"
)

// Replication is the outbound side of cross-device sync.
type Replication interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Push(rec *notification.Record)
	Tombstone(key notification.Key, version uint64)
}

type Options struct {
	Log       logx.Logger
	Bus       eventbus.Bus
	Store     *record.Store
	Chain     *filter.Chain
	Deferred  *filter.Deferred
	Disturb   *filter.DisturbFilter
	RateLimit *filter.RateLimitFilter
	Fanout    *subscriber.Registry
	Reminders *reminder.Scheduler
	Now       func() time.Time
}

type Broker struct {
	log       logx.Logger
	bus       eventbus.Bus
	store     *record.Store
	chain     *filter.Chain
	deferred  *filter.Deferred
	disturb   *filter.DisturbFilter
	ratelimit *filter.RateLimitFilter
	fanout    *subscriber.Registry
	reminders *reminder.Scheduler
	now       func() time.Time

	locks *keyLock

	mu   sync.RWMutex
	sync Replication
	sup  *rtsup.Supervisor
}

// New wires the pipeline. Store, Chain and Fanout are required; the broker
// registers itself as the reminder sink.
func New(opts Options) (*Broker, error) {
	if opts.Store == nil || opts.Chain == nil || opts.Fanout == nil {
		return nil, errors.New("broker: store, chain and fanout are required")
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.Nop{}
	}
	if opts.Deferred == nil {
		opts.Deferred = filter.NewDeferred()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	b := &Broker{
		log:       opts.Log.With(logx.String("comp", "broker")),
		bus:       opts.Bus,
		store:     opts.Store,
		chain:     opts.Chain,
		deferred:  opts.Deferred,
		disturb:   opts.Disturb,
		ratelimit: opts.RateLimit,
		fanout:    opts.Fanout,
		reminders: opts.Reminders,
		now:       opts.Now,
		locks:     newKeyLock(),
	}
	if b.reminders != nil {
		b.reminders.SetSink(b)
	}
	return b, nil
}

// SetReplication attaches cross-device sync. Call before Start.
func (b *Broker) SetReplication(r Replication) {
	b.mu.Lock()
	b.sync = r
	b.mu.Unlock()
}

func (b *Broker) replication() Replication {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sync
}

// Start brings the pipeline up in dependency order: filters, fan-out,
// the deferred loop, reminders, then sync.
func (b *Broker) Start(ctx context.Context) error {
	if err := b.chain.Start(ctx); err != nil {
		return err
	}
	b.fanout.Start(ctx)

	sup := rtsup.New(ctx, rtsup.WithLogger(b.log), rtsup.WithCancelOnError(false))
	b.mu.Lock()
	b.sup = sup
	b.mu.Unlock()
	sup.GoRestart("broker.deferred", b.deferredLoop, rtsup.WithRestartBackoff(100*time.Millisecond, 10*time.Second))

	if b.reminders != nil {
		if err := b.reminders.Start(ctx); err != nil {
			return err
		}
	}
	if r := b.replication(); r != nil {
		// Local records go in first so remote entries seen during the
		// initial sync are ordered against them.
		b.pushLocal()
		if err := r.Start(ctx); err != nil {
			return err
		}
	}
	b.log.Info("broker started", logx.Int("records", b.store.Len()), logx.Any("filters", b.chain.Names()))
	return nil
}

// Stop shuts down in reverse order. Every step runs; the errors are joined.
func (b *Broker) Stop(ctx context.Context) error {
	var errs []error
	if r := b.replication(); r != nil {
		errs = append(errs, r.Stop(ctx))
	}
	if b.reminders != nil {
		errs = append(errs, b.reminders.Stop(ctx))
	}
	b.mu.RLock()
	sup := b.sup
	b.mu.RUnlock()
	if sup != nil {
		errs = append(errs, sup.Stop(ctx))
	}
	errs = append(errs, b.fanout.Stop(ctx))
	b.chain.Stop(ctx)
	return errors.Join(errs...)
}

func (b *Broker) Supervisor() *rtsup.Supervisor {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sup
}

func (b *Broker) publishEvent(typ string, data map[string]any) {
	b.bus.Publish(eventbus.Event{Type: typ, Time: b.now(), Data: data})
}
