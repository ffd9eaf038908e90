package subscriber

import (
	"context"
	"reflect"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"notifd/internal/eventbus"
	"notifd/internal/notification"
	rtsup "notifd/internal/runtime/supervisor"
	"notifd/pkg/logx"
)

// Registry owns the subscribers and their delivery workers. Dispatch never
// blocks: events land in per-subscriber FIFO mailboxes.
type Registry struct {
	log  logx.Logger
	bus  eventbus.Bus
	gate CancelGate
	cfg  Config
	now  func() time.Time

	mu      sync.RWMutex
	byToken map[string]*entry
	bySub   map[Subscriber]*entry
	sup     *rtsup.Supervisor
}

type Options struct {
	Log  logx.Logger
	Bus  eventbus.Bus
	Gate CancelGate
	Now  func() time.Time
}

func New(cfg Config, opts Options) *Registry {
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	bus := opts.Bus
	if bus == nil {
		bus = eventbus.Nop{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		log:     log.With(logx.String("comp", "fanout")),
		bus:     bus,
		gate:    opts.Gate,
		cfg:     cfg.withDefaults(),
		now:     now,
		byToken: map[string]*entry{},
		bySub:   map[Subscriber]*entry{},
	}
}

// Start launches workers for every subscriber. Subscribers added later get
// a worker immediately.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sup != nil {
		return
	}
	r.sup = rtsup.New(ctx, rtsup.WithLogger(r.log), rtsup.WithCancelOnError(false))
	for _, e := range r.byToken {
		r.startWorkerLocked(e)
	}
	r.log.Info("fan-out started", logx.Int("subscribers", len(r.byToken)), logx.Int("mailbox", r.cfg.MailboxSize))
}

// Stop stops every worker. Queued events are discarded.
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	sup := r.sup
	r.sup = nil
	r.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

// Supervisor exposes the worker supervisor for diagnostics (nil when stopped).
func (r *Registry) Supervisor() *rtsup.Supervisor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sup
}

// Subscribe registers sub and returns its token. Subscribing a known
// subscriber replaces its filter and keeps its token.
func (r *Registry) Subscribe(sub Subscriber, info Info) (string, error) {
	if sub == nil {
		return "", notification.Validationf("subscriber required")
	}
	if !reflect.TypeOf(sub).Comparable() {
		return "", notification.Validationf("subscriber of type %T is not comparable", sub)
	}
	bundles := bundleSet(info.Bundles)

	r.mu.Lock()
	if e, ok := r.bySub[sub]; ok {
		e.bundles = bundles
		r.mu.Unlock()
		r.log.Debug("subscriber filter updated", logx.String("token", e.token), logx.Int("bundles", len(bundles)))
		return e.token, nil
	}
	e := newEntry(ulid.Make().String(), sub, bundles, r.cfg, r.now())
	r.byToken[e.token] = e
	r.bySub[sub] = e
	r.startWorkerLocked(e)
	total := len(r.byToken)
	r.mu.Unlock()

	r.log.Info("subscriber added", logx.String("token", e.token), logx.Int("bundles", len(bundles)), logx.Int("total", total))
	r.bus.Publish(eventbus.Event{Type: eventbus.TypeSubscriberAdded, Data: map[string]any{"token": e.token}})
	return e.token, nil
}

// Unsubscribe removes the subscriber with token.
func (r *Registry) Unsubscribe(token string) error {
	if !r.remove(token, "unsubscribed") {
		return notification.ErrNotFound
	}
	return nil
}

func (r *Registry) remove(token, why string) bool {
	r.mu.Lock()
	e, ok := r.byToken[token]
	if ok {
		delete(r.byToken, token)
		delete(r.bySub, e.sub)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	e.close()
	r.log.Info("subscriber removed", logx.String("token", token), logx.String("why", why))
	r.bus.Publish(eventbus.Event{Type: eventbus.TypeSubscriberRemoved, Data: map[string]any{"token": token, "why": why}})
	return true
}

// Dispatch queues ev for every matching subscriber and returns how many
// mailboxes accepted it. Each subscriber gets its own copy of the record.
func (r *Registry) Dispatch(ev notification.Event) int {
	if ev.Record == nil {
		return 0
	}
	bundle := ev.Record.Identity.Bundle
	r.mu.RLock()
	targets := make([]*entry, 0, len(r.byToken))
	for _, e := range r.byToken {
		if e.matches(bundle) {
			targets = append(targets, e)
		}
	}
	r.mu.RUnlock()

	for _, e := range targets {
		cp := ev
		cp.Record = ev.Record.Clone()
		if dropped, _ := e.enqueue(cp); dropped != nil {
			r.log.Warn("mailbox full; dropped event",
				logx.String("token", e.token),
				logx.String("key", string(dropped.Record.Identity.Key())),
				logx.String("kind", dropped.Kind.String()),
			)
		}
	}
	return len(targets)
}

// Len returns the number of live subscribers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byToken)
}

// Subscribers returns a snapshot ordered by subscription time.
func (r *Registry) Subscribers() []Stats {
	r.mu.RLock()
	out := make([]Stats, 0, len(r.byToken))
	for _, e := range r.byToken {
		out = append(out, e.stats())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubscribedAt.Equal(out[j].SubscribedAt) {
			return out[i].SubscribedAt.Before(out[j].SubscribedAt)
		}
		return out[i].Token < out[j].Token
	})
	return out
}

func (r *Registry) startWorkerLocked(e *entry) {
	if r.sup == nil {
		return
	}
	r.sup.GoRestart("fanout.worker", func(ctx context.Context) error {
		return r.workerLoop(ctx, e)
	}, rtsup.WithRestartBackoff(100*time.Millisecond, 5*time.Second))
}

func bundleSet(bundles []string) map[string]struct{} {
	if len(bundles) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(bundles))
	for _, b := range bundles {
		set[b] = struct{}{}
	}
	return set
}

// entry is one subscriber with its mailbox. bundles is guarded by the
// registry lock, the mailbox by e.mu.
type entry struct {
	token   string
	sub     Subscriber
	bundles map[string]struct{}
	since   time.Time
	limiter *rate.Limiter
	size    int

	mu       sync.Mutex
	queue    []notification.Event
	closed   bool
	failures int

	delivered, skipped, dropped, failed uint64

	notify chan struct{}
	done   chan struct{}
}

func newEntry(token string, sub Subscriber, bundles map[string]struct{}, cfg Config, now time.Time) *entry {
	e := &entry{
		token:   token,
		sub:     sub,
		bundles: bundles,
		since:   now,
		size:    cfg.MailboxSize,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if cfg.RatePerSec > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), max(1, int(cfg.RatePerSec)))
	}
	return e
}

func (e *entry) matches(bundle string) bool {
	if len(e.bundles) == 0 {
		return true
	}
	_, ok := e.bundles[bundle]
	return ok
}

// enqueue appends ev. When the mailbox is full the oldest publish or update
// is dropped and returned; cancels go only when nothing else is queued.
func (e *entry) enqueue(ev notification.Event) (*notification.Event, bool) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, false
	}
	var dropped *notification.Event
	if len(e.queue) >= e.size {
		i := slices.IndexFunc(e.queue, func(q notification.Event) bool { return q.Kind != notification.EventCanceled })
		if i < 0 {
			i = 0
		}
		old := e.queue[i]
		dropped = &old
		e.queue = slices.Delete(e.queue, i, i+1)
		e.dropped++
	}
	e.queue = append(e.queue, ev)
	e.mu.Unlock()

	select {
	case e.notify <- struct{}{}:
	default:
	}
	return dropped, true
}

func (e *entry) pop() (notification.Event, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || len(e.queue) == 0 {
		return notification.Event{}, false
	}
	ev := e.queue[0]
	e.queue[0] = notification.Event{}
	e.queue = e.queue[1:]
	return ev, true
}

func (e *entry) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.queue = nil
	close(e.done)
}

func (e *entry) stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Stats{
		Token:        e.token,
		Alive:        !e.closed,
		Queued:       len(e.queue),
		Delivered:    e.delivered,
		Skipped:      e.skipped,
		Dropped:      e.dropped,
		Failed:       e.failed,
		Failures:     e.failures,
		SubscribedAt: e.since,
	}
	for b := range e.bundles {
		st.Bundles = append(st.Bundles, b)
	}
	sort.Strings(st.Bundles)
	return st
}
