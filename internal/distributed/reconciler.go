package distributed

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"notifd/internal/eventbus"
	"notifd/internal/notification"
	rtsup "notifd/internal/runtime/supervisor"
	"notifd/pkg/logx"
)

// Applier is the local side of reconciliation (the broker).
type Applier interface {
	ApplyRemote(ctx context.Context, rec *notification.Record) error
	CancelRemote(ctx context.Context, id notification.Identity, version uint64) error
	RemoveOrigin(ctx context.Context, device string) int
}

// Sharing decides which owners' local records leave the device.
type Sharing interface {
	Shared(bundle string, uid int32) bool
}

type Config struct {
	DeviceID      string
	PerSecond     int
	PerMinute     int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	InitialSync   bool
}

func (c Config) withDefaults() Config {
	if c.PerSecond <= 0 {
		c.PerSecond = 1000
	}
	if c.PerMinute <= 0 {
		c.PerMinute = 10000
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 200 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	return c
}

type Options struct {
	Log     logx.Logger
	Bus     eventbus.Bus
	Repl    Replicator
	Applier Applier
	Sharing Sharing // nil: every local record is shared
	Now     func() time.Time
}

type Stats struct {
	DeviceID string `json:"device_id"`
	Known    int    `json:"known"`
	Pending  int    `json:"pending"`
	Sent     uint64 `json:"sent"`
	Applied  uint64 `json:"applied"`
	Ignored  uint64 `json:"ignored"`
	Dropped  uint64 `json:"dropped"`
	Failed   uint64 `json:"failed"`
}

// Reconciler pushes local record changes to the replicator and applies
// remote changes that win the last-writer order.
type Reconciler struct {
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	repl    Replicator
	applier Applier
	sharing Sharing
	now     func() time.Time

	perSec *rate.Limiter
	perMin *rate.Limiter

	mu      sync.Mutex
	known   map[notification.Key]Entry
	pending map[notification.Key]Entry
	order   []notification.Key
	wake    chan struct{}

	sup    *rtsup.Supervisor
	cancel func()

	sent, applied, ignored, dropped, failed atomic.Uint64
}

func New(cfg Config, opts Options) (*Reconciler, error) {
	cfg = cfg.withDefaults()
	if cfg.DeviceID == "" {
		return nil, notification.Validationf("sync needs a device id")
	}
	if opts.Repl == nil || opts.Applier == nil {
		return nil, notification.Validationf("sync needs a replicator and an applier")
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.Nop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Reconciler{
		cfg:     cfg,
		log:     opts.Log.With(logx.String("comp", "sync"), logx.String("device", cfg.DeviceID)),
		bus:     opts.Bus,
		repl:    opts.Repl,
		applier: opts.Applier,
		sharing: opts.Sharing,
		now:     opts.Now,
		perSec:  rate.NewLimiter(rate.Limit(cfg.PerSecond), cfg.PerSecond),
		perMin:  rate.NewLimiter(rate.Limit(float64(cfg.PerMinute)/60), cfg.PerMinute),
		known:   map[notification.Key]Entry{},
		pending: map[notification.Key]Entry{},
		wake:    make(chan struct{}, 1),
	}, nil
}

func (r *Reconciler) DeviceID() string { return r.cfg.DeviceID }

// Start subscribes to the replicator, runs the initial sync when enabled
// and starts the outbound loop. Push the device's own records before Start
// so the initial sync compares remote entries against them.
func (r *Reconciler) Start(ctx context.Context) error {
	r.sup = rtsup.New(ctx, rtsup.WithLogger(r.log), rtsup.WithCancelOnError(false))

	cancel, err := r.repl.Subscribe(r.sup.Context(), func(key string, value []byte) {
		r.onRemote(r.sup.Context(), key, value)
	})
	if err != nil {
		r.sup.Cancel()
		return notification.Transient(fmt.Errorf("subscribe: %w", err))
	}
	r.cancel = cancel

	if r.cfg.InitialSync {
		if sc, ok := r.repl.(Scanner); ok {
			n := 0
			err := sc.Scan(ctx, func(key string, value []byte) error {
				r.onRemote(ctx, key, value)
				n++
				return nil
			})
			if err != nil {
				r.log.Warn("initial sync incomplete", logx.Int("seen", n), logx.Err(err))
			} else {
				r.log.Info("initial sync done", logx.Int("seen", n))
			}
		}
	}

	r.sup.GoRestart("sync.outbound", r.outbound, rtsup.WithRestartBackoff(100*time.Millisecond, 10*time.Second))
	return nil
}

func (r *Reconciler) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}
	if r.sup == nil {
		return nil
	}
	return r.sup.Stop(ctx)
}

func (r *Reconciler) Supervisor() *rtsup.Supervisor { return r.sup }

// Push queues a local record for replication. Records injected from other
// devices and records of owners that are not shared stay local.
func (r *Reconciler) Push(rec *notification.Record) {
	if rec == nil || rec.IsRemote() || !r.shared(rec.Identity) {
		return
	}
	r.enqueue(Entry{
		Key:       rec.Identity.Key(),
		Record:    rec.Clone(),
		State:     notification.StateActive,
		Version:   rec.Version,
		Timestamp: wireTime(rec.UpdatedAt),
		Origin:    r.cfg.DeviceID,
	}, false)
}

// Tombstone queues a removal. For an owner that is not shared it only goes
// out when peers already hold an entry for key.
func (r *Reconciler) Tombstone(key notification.Key, version uint64) {
	shared := true
	if id, err := notification.ParseKey(key); err == nil {
		shared = r.shared(id)
	}
	r.enqueue(Entry{
		Key:       key,
		State:     notification.StateRemoved,
		Version:   version,
		Timestamp: wireTime(r.now()),
		Origin:    r.cfg.DeviceID,
	}, !shared)
}

func (r *Reconciler) shared(id notification.Identity) bool {
	return r.sharing == nil || r.sharing.Shared(id.Bundle, id.UserID)
}

func (r *Reconciler) enqueue(e Entry, knownOnly bool) {
	r.mu.Lock()
	cur, ok := r.known[e.Key]
	if (ok && !Supersedes(e, cur)) || (!ok && knownOnly) {
		r.mu.Unlock()
		return
	}
	r.known[e.Key] = e
	if _, queued := r.pending[e.Key]; !queued {
		r.order = append(r.order, e.Key)
	}
	r.pending[e.Key] = e
	r.mu.Unlock()
	r.kick()
}

func (r *Reconciler) kick() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Reconciler) next() (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.order) > 0 {
		k := r.order[0]
		r.order = r.order[1:]
		if e, ok := r.pending[k]; ok {
			delete(r.pending, k)
			return e, true
		}
	}
	return Entry{}, false
}

// requeue puts a failed entry back at the front unless something newer was
// queued for the key meanwhile.
func (r *Reconciler) requeue(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, newer := r.pending[e.Key]; newer {
		return
	}
	r.pending[e.Key] = e
	r.order = append([]notification.Key{e.Key}, r.order...)
}

func (r *Reconciler) outbound(ctx context.Context) error {
	attempt := 0
	for {
		e, ok := r.next()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-r.wake:
				continue
			}
		}
		if err := r.perSec.Wait(ctx); err != nil {
			r.requeue(e)
			return nil
		}
		if err := r.perMin.Wait(ctx); err != nil {
			r.requeue(e)
			return nil
		}
		if err := r.put(ctx, e); err != nil {
			r.failed.Add(1)
			r.requeue(e)
			delay := retryDelay(r.cfg, attempt)
			attempt++
			r.log.Warn("sync push failed", logx.String("key", string(e.Key)), logx.Duration("retry_in", delay), logx.Err(err))
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
			continue
		}
		attempt = 0
		r.sent.Add(1)
	}
}

func (r *Reconciler) put(ctx context.Context, e Entry) error {
	b, err := EncodeEntry(e)
	if err != nil {
		return err
	}
	return r.repl.Put(ctx, string(e.Key), b)
}

func (r *Reconciler) onRemote(ctx context.Context, key string, value []byte) {
	e, err := DecodeEntry(key, value)
	if err != nil {
		r.dropped.Add(1)
		r.log.Warn("dropping remote entry", logx.String("key", key), logx.Err(err))
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeSyncDropped, Data: map[string]any{"key": key, "err": err.Error()}})
		return
	}
	if e.Origin == r.cfg.DeviceID {
		return
	}

	r.mu.Lock()
	cur, ok := r.known[e.Key]
	if ok && (sameEntry(e, cur) || !Supersedes(e, cur)) {
		r.mu.Unlock()
		r.ignored.Add(1)
		return
	}
	r.known[e.Key] = e
	// A winning remote entry replaces anything still queued for the key.
	queued, hadQueued := r.pending[e.Key]
	delete(r.pending, e.Key)
	r.mu.Unlock()

	id, _ := notification.ParseKey(e.Key)
	if e.Tombstone() {
		err = r.applier.CancelRemote(ctx, id, e.Version)
		if errors.Is(err, notification.ErrNotFound) {
			err = nil
		}
	} else {
		err = r.applier.ApplyRemote(ctx, e.Record)
	}
	if errors.Is(err, notification.ErrStale) {
		r.mu.Lock()
		if now, still := r.known[e.Key]; still && sameEntry(now, e) {
			if ok {
				r.known[e.Key] = cur
			} else {
				delete(r.known, e.Key)
			}
			if _, newer := r.pending[e.Key]; hadQueued && !newer {
				r.pending[e.Key] = queued
				r.order = append(r.order, e.Key)
			}
		}
		r.mu.Unlock()
		r.kick()
		r.ignored.Add(1)
		r.log.Debug("remote entry older than local record", logx.String("key", key), logx.String("origin", e.Origin), logx.Uint64("version", e.Version))
		return
	}
	if err != nil {
		r.failed.Add(1)
		r.log.Warn("apply remote entry failed", logx.String("key", key), logx.String("origin", e.Origin), logx.Err(err))
		return
	}
	r.applied.Add(1)
	r.bus.Publish(eventbus.Event{Type: eventbus.TypeSyncApplied, Data: map[string]any{
		"key":     key,
		"origin":  e.Origin,
		"version": e.Version,
		"state":   e.State.String(),
	}})
}

// OnDeviceOffline drops every record that originated on device.
func (r *Reconciler) OnDeviceOffline(ctx context.Context, device string) int {
	if device == "" || device == r.cfg.DeviceID {
		return 0
	}
	r.mu.Lock()
	for k, e := range r.known {
		if e.Origin == device {
			delete(r.known, k)
		}
	}
	r.mu.Unlock()
	n := r.applier.RemoveOrigin(ctx, device)
	r.log.Info("device offline", logx.String("peer", device), logx.Int("removed", n))
	return n
}

func (r *Reconciler) Stats() Stats {
	r.mu.Lock()
	known, pending := len(r.known), len(r.pending)
	r.mu.Unlock()
	return Stats{
		DeviceID: r.cfg.DeviceID,
		Known:    known,
		Pending:  pending,
		Sent:     r.sent.Load(),
		Applied:  r.applied.Load(),
		Ignored:  r.ignored.Load(),
		Dropped:  r.dropped.Load(),
		Failed:   r.failed.Load(),
	}
}

func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 0; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = min(d, cfg.RetryMaxDelay)
	return time.Duration(float64(d) * (0.7 + 0.6*rand.Float64()))
}
