package reminder

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strconv"
	"sync"
	"time"

	"notifd/internal/eventbus"
	"notifd/internal/notification"
	rtsup "notifd/internal/runtime/supervisor"
	"notifd/internal/storage"
	"notifd/pkg/logx"
)

const seqKey = "seq"

func storeKey(id int32) string { return fmt.Sprintf("%010d", id) }

type Options struct {
	Log      logx.Logger
	Bus      eventbus.Bus
	Store    storage.Store // nil: reminders live in memory only
	Timer    Timer         // nil: WallTimer
	Sink     Sink
	Now      func() time.Time
	Location *time.Location
}

// Scheduler owns the reminder table. A single host timer is armed at the
// earliest pending time; on wake every due reminder is processed in
// (time, id) order.
type Scheduler struct {
	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store
	timer Timer
	now   func() time.Time
	cfg   Config

	mu     sync.Mutex
	sink   Sink
	loc    *time.Location
	table  map[int32]*Reminder
	nextID int32
	armed  time.Time
	handle Handle

	sup     *rtsup.Supervisor
	runCtx  context.Context
	rearmCh chan struct{}
}

func New(cfg Config, opts Options) *Scheduler {
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	bus := opts.Bus
	if bus == nil {
		bus = eventbus.Nop{}
	}
	timer := opts.Timer
	if timer == nil {
		timer = WallTimer{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{
		log:     log.With(logx.String("comp", "reminder")),
		bus:     bus,
		store:   opts.Store,
		timer:   timer,
		now:     now,
		cfg:     cfg.withDefaults(),
		sink:    opts.Sink,
		loc:     loc,
		table:   map[int32]*Reminder{},
		runCtx:  context.Background(),
		rearmCh: make(chan struct{}, 1),
	}
}

// SetSink wires the publisher. It must be called before Start.
func (s *Scheduler) SetSink(sink Sink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

// Start restores persisted reminders, processes anything that fell due
// while the service was down and arms the timer.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return nil
	}
	restored, skipped, err := s.restoreLocked(ctx)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.runCtx = s.sup.Context()
	s.sup.GoRestart("reminder.rearm", s.rearmLoop)
	s.mu.Unlock()

	s.log.Info("reminder scheduler started", logx.Int("restored", restored), logx.Int("skipped", skipped), logx.String("tz", s.location().String()))
	s.tick(s.runCtx)
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	if s.handle != nil {
		s.handle.Stop()
		s.handle = nil
	}
	s.armed = time.Time{}
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

func (s *Scheduler) location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

func (s *Scheduler) restoreLocked(ctx context.Context) (restored, skipped int, err error) {
	if s.store == nil {
		return 0, 0, nil
	}
	var seq int64
	err = s.store.Scan(ctx, storage.BucketReminders, func(key string, value []byte) error {
		if key == seqKey {
			seq, _ = strconv.ParseInt(string(value), 10, 32)
			return nil
		}
		r, derr := decodeReminder(value)
		if derr == nil && storeKey(r.ID) != key {
			derr = fmt.Errorf("%w: reminder %d stored under %q", notification.ErrStateCorruption, r.ID, key)
		}
		if derr != nil {
			skipped++
			s.log.Warn("skipping undecodable reminder", logx.String("key", key), logx.Err(derr))
			return nil
		}
		s.table[r.ID] = r
		s.nextID = max(s.nextID, r.ID)
		restored++
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("restore reminders: %w", err)
	}
	s.nextID = max(s.nextID, int32(seq))
	return restored, skipped, nil
}

func (s *Scheduler) persistLocked(ctx context.Context, r *Reminder) error {
	if s.store == nil {
		return nil
	}
	b, err := encodeReminder(r)
	if err != nil {
		return err
	}
	if err := s.store.Put(ctx, storage.BucketReminders, storeKey(r.ID), b); err != nil {
		return notification.Transient(err)
	}
	return nil
}

// saveLocked persists a state change. The in-memory state is authoritative;
// a failed write is logged and repaired by the next successful one.
func (s *Scheduler) saveLocked(ctx context.Context, r *Reminder) {
	if err := s.persistLocked(ctx, r); err != nil {
		s.log.Warn("persist reminder failed", logx.Int32("id", r.ID), logx.Err(err))
	}
}

func (s *Scheduler) forgetLocked(ctx context.Context, r *Reminder) {
	delete(s.table, r.ID)
	if s.store == nil {
		return
	}
	if err := s.store.Delete(ctx, storage.BucketReminders, storeKey(r.ID)); err != nil {
		s.log.Warn("delete reminder failed", logx.Int32("id", r.ID), logx.Err(err))
	}
}

// Publish validates spec, assigns an id and schedules the first trigger.
func (s *Scheduler) Publish(ctx context.Context, owner notification.Caller, spec Spec) (Reminder, error) {
	if err := (notification.Identity{Bundle: owner.Bundle, UserID: owner.UID}).Validate(); err != nil {
		return Reminder{}, err
	}
	if err := validateSpec(spec); err != nil {
		return Reminder{}, err
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.table) >= s.cfg.MaxTotal {
		return Reminder{}, fmt.Errorf("%w: reminder limit of %d reached", notification.ErrPolicy, s.cfg.MaxTotal)
	}
	perBundle := 0
	for _, r := range s.table {
		if r.Owner.Bundle == owner.Bundle {
			perBundle++
		}
	}
	if perBundle >= s.cfg.MaxPerBundle {
		return Reminder{}, fmt.Errorf("%w: %s has %d reminders (limit %d)", notification.ErrPolicy, owner.Bundle, perBundle, s.cfg.MaxPerBundle)
	}

	next, err := firstTrigger(spec.Kind, spec.Trigger, now, now, s.loc)
	if err != nil {
		return Reminder{}, err
	}

	r := &Reminder{
		ID:             s.nextID + 1,
		Owner:          owner,
		Kind:           spec.Kind,
		Trigger:        spec.Trigger.clone(),
		State:          StateScheduled,
		MaxSnooze:      s.cfg.DefaultMaxSnooze,
		SnoozeInterval: spec.SnoozeInterval,
		RingDuration:   spec.RingDuration,
		NextAt:         next,
		CreatedAt:      now,
		Template:       spec.Template,
	}
	r.Template.Content = spec.Template.Content.Clone()
	if spec.MaxSnooze != nil {
		r.MaxSnooze = *spec.MaxSnooze
	}
	if r.SnoozeInterval == 0 {
		r.SnoozeInterval = s.cfg.DefaultSnooze
	}
	if r.SnoozeInterval < s.cfg.MinInterval {
		s.log.Debug("snooze interval raised to minimum", logx.Duration("requested", r.SnoozeInterval), logx.Duration("min", s.cfg.MinInterval))
		r.SnoozeInterval = s.cfg.MinInterval
	}
	if r.RingDuration == 0 {
		r.RingDuration = s.cfg.DefaultRing
	}

	if s.store != nil {
		if err := s.store.Put(ctx, storage.BucketReminders, seqKey, []byte(strconv.Itoa(int(r.ID)))); err != nil {
			return Reminder{}, notification.Transient(err)
		}
	}
	if err := s.persistLocked(ctx, r); err != nil {
		return Reminder{}, err
	}
	s.nextID = r.ID
	s.table[r.ID] = r
	s.armLocked()

	s.log.Info("reminder scheduled",
		logx.Int32("id", r.ID),
		logx.String("bundle", owner.Bundle),
		logx.String("kind", r.Kind.String()),
		logx.Time("next", r.NextAt),
	)
	return r.clone(), nil
}

// Cancel removes a reminder and dismisses its notification if it has
// fired. An owner with an empty bundle may cancel any reminder.
func (s *Scheduler) Cancel(ctx context.Context, owner notification.Caller, id int32) error {
	return s.cancel(ctx, owner, id, notification.ReasonAppCancel)
}

// CancelAll cancels every reminder of bundle/uid and returns how many.
func (s *Scheduler) CancelAll(ctx context.Context, bundle string, uid int32) int {
	s.mu.Lock()
	var ids []int32
	for id, r := range s.table {
		if r.Owner.Bundle == bundle && r.Owner.UID == uid {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	n := 0
	for _, id := range ids {
		if s.cancel(ctx, notification.Caller{Bundle: bundle, UID: uid}, id, notification.ReasonAppCancelAll) == nil {
			n++
		}
	}
	return n
}

func (s *Scheduler) cancel(ctx context.Context, owner notification.Caller, id int32, reason notification.CancelReason) error {
	s.mu.Lock()
	r, ok := s.table[id]
	if !ok || (owner.Bundle != "" && r.Owner != owner) {
		s.mu.Unlock()
		return fmt.Errorf("%w: reminder %d", notification.ErrNotFound, id)
	}
	fired := !r.FiredAt.IsZero()
	ident := r.Identity()
	sink := s.sink
	r.State = StateCancelled
	r.gen++
	s.forgetLocked(ctx, r)
	s.armLocked()
	s.mu.Unlock()

	s.log.Info("reminder cancelled", logx.Int32("id", id), logx.String("bundle", r.Owner.Bundle), logx.String("reason", reason.String()))
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeReminderCanceled, Data: map[string]any{"id": id, "bundle": r.Owner.Bundle}})
	if fired && sink != nil {
		if err := sink.Dismiss(ctx, ident, reason); err != nil && !errors.Is(err, notification.ErrNotFound) {
			s.log.Warn("dismiss reminder notification failed", logx.Int32("id", id), logx.Err(err))
		}
	}
	return nil
}

// Snooze is the user's snooze action on a firing reminder. Past the
// snooze limit the occurrence ends instead.
func (s *Scheduler) Snooze(ctx context.Context, id int32) (Reminder, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.table[id]
	if !ok {
		return Reminder{}, fmt.Errorf("%w: reminder %d", notification.ErrNotFound, id)
	}
	if r.State != StateFiring {
		return Reminder{}, notification.Validationf("reminder %d is %s, not firing", id, r.State)
	}
	s.snoozeLocked(ctx, r, now, "user")
	s.armLocked()
	return r.clone(), nil
}

// Close is the user's dismiss action on a firing or snoozed reminder. The
// occurrence ends and its notification is removed.
func (s *Scheduler) Close(ctx context.Context, id int32) (Reminder, error) {
	now := s.now()
	s.mu.Lock()
	r, ok := s.table[id]
	if !ok {
		s.mu.Unlock()
		return Reminder{}, fmt.Errorf("%w: reminder %d", notification.ErrNotFound, id)
	}
	if r.State != StateFiring && r.State != StateSnoozed {
		s.mu.Unlock()
		return Reminder{}, notification.Validationf("reminder %d is %s, not showing", id, r.State)
	}
	ident := r.Identity()
	sink := s.sink
	s.endOccurrenceLocked(ctx, r, now, "closed")
	s.armLocked()
	out := r.clone()
	s.mu.Unlock()

	if sink != nil {
		if err := sink.Dismiss(ctx, ident, notification.ReasonUserDismiss); err != nil && !errors.Is(err, notification.ErrNotFound) {
			s.log.Warn("dismiss reminder notification failed", logx.Int32("id", id), logx.Err(err))
		}
	}
	return out, nil
}

// OnRecordCanceled stops the ring and snooze cycle of a reminder whose
// notification was removed by someone else.
func (s *Scheduler) OnRecordCanceled(ctx context.Context, id int32) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.table[id]
	if !ok || (r.State != StateFiring && r.State != StateSnoozed) {
		return
	}
	s.endOccurrenceLocked(ctx, r, now, "notification removed")
	s.armLocked()
}

func (s *Scheduler) Get(id int32) (Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.table[id]
	if !ok {
		return Reminder{}, fmt.Errorf("%w: reminder %d", notification.ErrNotFound, id)
	}
	return r.clone(), nil
}

// List returns the reminders of bundle (all when empty) ordered by id.
func (s *Scheduler) List(bundle string) []Reminder {
	s.mu.Lock()
	out := make([]Reminder, 0, len(s.table))
	for _, r := range s.table {
		if bundle == "" || r.Owner.Bundle == bundle {
			out = append(out, r.clone())
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.table)
}

// OnClockChange re-derives trigger times after a wall-clock or time zone
// change. loc may be nil to keep the current zone. Recurrences that moved
// earlier (or to a new zone) are rescheduled; anything now due is processed
// with the usual missed-trigger rules.
func (s *Scheduler) OnClockChange(ctx context.Context, loc *time.Location) {
	now := s.now()
	s.mu.Lock()
	zoneChanged := loc != nil && loc.String() != s.loc.String()
	if loc != nil {
		s.loc = loc
	}
	moved := 0
	for _, r := range s.table {
		if r.State != StateScheduled || !repeating(r.Kind, r.Trigger) {
			continue
		}
		cand, ok, err := nextTrigger(r.Kind, r.Trigger, now, s.loc)
		if err != nil || !ok {
			continue
		}
		if cand.Before(r.NextAt) || (zoneChanged && r.NextAt.After(now) && !cand.Equal(r.NextAt)) {
			r.NextAt = cand
			r.gen++
			s.saveLocked(ctx, r)
			moved++
		}
	}
	if s.handle != nil {
		s.handle.Stop()
		s.handle = nil
	}
	s.armed = time.Time{}
	s.mu.Unlock()

	s.log.Info("clock change handled", logx.Int("rescheduled", moved), logx.Bool("zone_changed", zoneChanged), logx.String("tz", s.location().String()))
	s.tick(ctx)
}

// wake is the timer callback.
func (s *Scheduler) wake() {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	s.tick(ctx)
}

type dueEntry struct {
	id  int32
	at  time.Time
	gen uint64
}

func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	now := s.now()
	s.mu.Lock()
	s.handle = nil
	s.armed = time.Time{}
	var due []dueEntry
	for id, r := range s.table {
		if !r.NextAt.After(now) {
			due = append(due, dueEntry{id: id, at: r.NextAt, gen: r.gen})
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if !due[i].at.Equal(due[j].at) {
			return due[i].at.Before(due[j].at)
		}
		return due[i].id < due[j].id
	})
	for _, d := range due {
		if ctx.Err() != nil {
			return
		}
		s.step(ctx, d, now)
	}

	s.mu.Lock()
	s.armLocked()
	s.mu.Unlock()
}

// step advances one due reminder.
func (s *Scheduler) step(ctx context.Context, d dueEntry, now time.Time) {
	s.mu.Lock()
	r, ok := s.table[d.id]
	if !ok || r.gen != d.gen || r.NextAt.After(now) {
		s.mu.Unlock()
		return
	}

	switch r.State {
	case StateFiring:
		// Ring elapsed without user action.
		s.snoozeLocked(ctx, r, now, "ring timeout")
		s.mu.Unlock()
		return
	case StateScheduled:
		if late := now.Sub(r.NextAt); late > s.cfg.MissedGrace && repeating(r.Kind, r.Trigger) {
			next, ok, err := nextTrigger(r.Kind, r.Trigger, now, s.loc)
			if err == nil && ok {
				s.log.Warn("missed reminder trigger; skipping to next occurrence",
					logx.Int32("id", r.ID),
					logx.Time("missed", r.NextAt),
					logx.Duration("late", late),
					logx.Time("next", next),
				)
				r.NextAt = next
				r.gen++
				s.saveLocked(ctx, r)
				s.mu.Unlock()
				return
			}
		}
	case StateSnoozed:
	default:
		s.mu.Unlock()
		return
	}

	prevState, prevNext := r.State, r.NextAt
	r.State = StateFiring
	r.FiredAt = now
	r.gen++
	gen := r.gen
	owner, req := r.Owner, r.request()
	sink := s.sink
	s.saveLocked(ctx, r)
	s.mu.Unlock()

	var res notification.Result
	err := errors.New("no reminder sink")
	if sink != nil {
		res, err = sink.Fire(ctx, owner, req)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok = s.table[d.id]
	if !ok || r.gen != gen {
		return
	}
	switch {
	case err != nil && notification.IsTransient(err):
		r.State = prevState
		r.NextAt = now.Add(s.retryDelay(now.Sub(prevNext)))
		r.gen++
		s.saveLocked(ctx, r)
		s.log.Warn("reminder publish failed; retrying", logx.Int32("id", r.ID), logx.Time("retry_at", r.NextAt), logx.Err(err))
	case err == nil && res.Delivery == notification.DeliveryAllowed:
		r.NextAt = now.Add(r.RingDuration)
		s.saveLocked(ctx, r)
		s.log.Info("reminder fired", logx.Int32("id", r.ID), logx.String("bundle", r.Owner.Bundle), logx.Int("snoozed", r.SnoozeCount))
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeReminderFired, Data: map[string]any{"id": r.ID, "bundle": r.Owner.Bundle, "delivery": res.Delivery.String()}})
	default:
		fields := []logx.Field{logx.Int32("id", r.ID), logx.String("delivery", res.Delivery.String())}
		if err != nil {
			fields = append(fields, logx.Err(err))
		}
		s.log.Info("reminder fired without ringing", fields...)
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeReminderFired, Data: map[string]any{"id": r.ID, "bundle": r.Owner.Bundle, "delivery": res.Delivery.String()}})
		s.endOccurrenceLocked(ctx, r, now, "not delivered")
	}
}

// retryDelay backs off publish retries; late is how long the trigger has
// been waiting already.
func (s *Scheduler) retryDelay(late time.Duration) time.Duration {
	d := min(max(late, time.Second), 5*time.Minute)
	return d + time.Duration(rand.Int64N(int64(d)/5+1))
}

func (s *Scheduler) snoozeLocked(ctx context.Context, r *Reminder, now time.Time, why string) {
	if r.SnoozeCount >= r.MaxSnooze {
		s.endOccurrenceLocked(ctx, r, now, "snooze limit ("+why+")")
		return
	}
	r.SnoozeCount++
	r.State = StateSnoozed
	r.NextAt = now.Add(r.SnoozeInterval)
	r.gen++
	s.saveLocked(ctx, r)
	s.log.Debug("reminder snoozed", logx.Int32("id", r.ID), logx.String("why", why), logx.Int("count", r.SnoozeCount), logx.Time("until", r.NextAt))
}

// endOccurrenceLocked moves to the next recurrence, or expires the reminder
// when there is none.
func (s *Scheduler) endOccurrenceLocked(ctx context.Context, r *Reminder, now time.Time, why string) {
	r.SnoozeCount = 0
	r.gen++
	next, ok, err := nextTrigger(r.Kind, r.Trigger, now, s.loc)
	if err == nil && ok {
		r.State = StateScheduled
		r.NextAt = next
		s.saveLocked(ctx, r)
		s.log.Debug("reminder rescheduled", logx.Int32("id", r.ID), logx.String("why", why), logx.Time("next", next))
		return
	}
	r.State = StateExpired
	s.forgetLocked(ctx, r)
	s.log.Info("reminder expired", logx.Int32("id", r.ID), logx.String("why", why))
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeReminderExpired, Data: map[string]any{"id": r.ID, "bundle": r.Owner.Bundle}})
}

// armLocked points the host timer at the earliest pending time. Failures
// are handed to the re-arm loop.
func (s *Scheduler) armLocked() {
	if err := s.rearmLocked(); err != nil {
		s.log.Warn("arming reminder timer failed; retrying", logx.Err(err))
		select {
		case s.rearmCh <- struct{}{}:
		default:
		}
	}
}

func (s *Scheduler) rearmLocked() error {
	var earliest time.Time
	for _, r := range s.table {
		if earliest.IsZero() || r.NextAt.Before(earliest) {
			earliest = r.NextAt
		}
	}
	if earliest.Equal(s.armed) && (s.handle != nil || earliest.IsZero()) {
		return nil
	}
	if s.handle != nil {
		s.handle.Stop()
		s.handle = nil
	}
	s.armed = time.Time{}
	if earliest.IsZero() {
		return nil
	}
	h, err := s.timer.ScheduleAt(earliest, s.wake)
	if err != nil {
		return err
	}
	s.handle, s.armed = h, earliest
	return nil
}

func (s *Scheduler) rearmLoop(ctx context.Context) error {
	const minBackoff, maxBackoff = 100 * time.Millisecond, 30 * time.Second
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.rearmCh:
		}
		backoff := minBackoff
		for {
			s.mu.Lock()
			err := s.rearmLocked()
			s.mu.Unlock()
			if err == nil {
				break
			}
			wait := backoff + time.Duration(rand.Int64N(int64(backoff)/5+1))
			s.log.Debug("reminder timer re-arm failed", logx.Duration("backoff", wait), logx.Err(err))
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
			backoff = min(backoff*2, maxBackoff)
		}
	}
}
