package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifd/internal/eventbus"
	"notifd/internal/filter"
	"notifd/internal/notification"
	"notifd/internal/record"
	"notifd/internal/reminder"
	"notifd/internal/subscriber"
)

var t0 = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Add(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// manualTimer keeps the last scheduled callback; tests run it by hand.
type manualTimer struct {
	mu sync.Mutex
	at time.Time
	fn func()
}

type manualHandle struct{ t *manualTimer }

func (h manualHandle) Stop() bool {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	ok := h.t.fn != nil
	h.t.fn = nil
	return ok
}

func (t *manualTimer) ScheduleAt(at time.Time, fn func()) (reminder.Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.at, t.fn = at, fn
	return manualHandle{t}, nil
}

func (t *manualTimer) fire() {
	t.mu.Lock()
	fn := t.fn
	t.fn = nil
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

type collector struct {
	mu     sync.Mutex
	events []notification.Event
}

func (c *collector) OnEvent(_ context.Context, ev notification.Event) error {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	return nil
}

func (c *collector) kinds() []notification.EventKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]notification.EventKind, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Kind
	}
	return out
}

func (c *collector) last() notification.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events[len(c.events)-1]
}

type fakeReplication struct {
	mu         sync.Mutex
	pushed     []notification.Key
	tombstones map[notification.Key]uint64
}

func (f *fakeReplication) Start(context.Context) error { return nil }
func (f *fakeReplication) Stop(context.Context) error  { return nil }

func (f *fakeReplication) Push(rec *notification.Record) {
	f.mu.Lock()
	f.pushed = append(f.pushed, rec.Identity.Key())
	f.mu.Unlock()
}

func (f *fakeReplication) Tombstone(key notification.Key, version uint64) {
	f.mu.Lock()
	if f.tombstones == nil {
		f.tombstones = map[notification.Key]uint64{}
	}
	f.tombstones[key] = version
	f.mu.Unlock()
}

type harness struct {
	b     *Broker
	store *record.Store
	clock *clock
	timer *manualTimer
	repl  *fakeReplication
	sub   *collector
	bus   eventbus.Bus
}

const localDevice = "dev-local"

// newPipeline wires a broker over store with the default filter chain. It
// is not started.
func newPipeline(t *testing.T, store *record.Store, clk *clock, timer reminder.Timer, bus eventbus.Bus) *Broker {
	t.Helper()
	disturb := filter.NewDisturbFilter(store, time.UTC, clk.Now)
	chain := filter.NewChain(testLog(),
		filter.SlotFilter{Slots: store},
		filter.PermissionFilter{Bundles: store},
		filter.EchoFilter{DeviceID: localDevice},
		filter.NewRateLimitFilter(false, 0, 0),
		disturb,
	)
	fanout := subscriber.New(subscriber.Config{}, subscriber.Options{Gate: store, Bus: bus})
	sched := reminder.New(reminder.Config{}, reminder.Options{Timer: timer, Now: clk.Now, Location: time.UTC})

	b, err := New(Options{
		Bus:       bus,
		Store:     store,
		Chain:     chain,
		Disturb:   disturb,
		Fanout:    fanout,
		Reminders: sched,
		Now:       clk.Now,
	})
	require.NoError(t, err)
	return b
}

func startBroker(t *testing.T, b *Broker) {
	t.Helper()
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = b.Stop(ctx)
	})
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{clock: &clock{now: t0}, timer: &manualTimer{}, repl: &fakeReplication{}, sub: &collector{}, bus: eventbus.New()}
	h.store = record.New(record.Config{Now: h.clock.Now})
	b := newPipeline(t, h.store, h.clock, h.timer, h.bus)
	b.SetReplication(h.repl)
	_, err := b.Subscribe(h.sub, subscriber.Info{})
	require.NoError(t, err)
	startBroker(t, b)
	h.b = b
	return h
}

var app = notification.Caller{Bundle: "com.example.mail", UID: 100}

func mail(id int32, title string) notification.Request {
	return notification.Request{
		ID:      id,
		Content: notification.NormalContent(notification.Basic{Title: title}),
		Slot:    notification.SlotContentInformation,
	}
}

func (h *harness) waitKinds(t *testing.T, want ...notification.EventKind) {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.sub.kinds()) == len(want) }, time.Second, 2*time.Millisecond)
	assert.Equal(t, want, h.sub.kinds())
}

func TestPublishThenUpdateFansOutInOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.b.Publish(ctx, app, mail(1, "first"))
	require.NoError(t, err)
	assert.Equal(t, notification.StatusAccepted, res.Status)
	assert.Equal(t, notification.DeliveryAllowed, res.Delivery)

	res, err = h.b.Publish(ctx, app, mail(1, "second"))
	require.NoError(t, err)
	assert.Equal(t, notification.StatusUpdated, res.Status)
	assert.Equal(t, uint64(2), res.Version)

	h.waitKinds(t, notification.EventPublished, notification.EventUpdated)
	assert.Equal(t, "second", h.sub.last().Record.Content.Title())

	rec, ok := h.b.Get(notification.NewIdentity(app.Bundle, app.UID, 1))
	require.True(t, ok)
	assert.True(t, rec.Delivered)
	assert.Equal(t, notification.VisibilitySecret, rec.Alert.Visibility)
	assert.Len(t, h.repl.pushed, 2)
	assert.Zero(t, h.b.locks.size())
}

func TestPublishRejectedIsReported(t *testing.T) {
	h := newHarness(t)
	events, unsub := h.bus.Subscribe(16)
	defer unsub()

	req := mail(1, "")
	res, err := h.b.Publish(context.Background(), app, req)
	require.ErrorIs(t, err, notification.ErrValidation)
	assert.Equal(t, notification.StatusRejected, res.Status)
	assert.NotEmpty(t, res.Reason)

	select {
	case ev := <-events:
		assert.Equal(t, eventbus.TypeNotifyRejected, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no rejected event")
	}
	assert.Zero(t, h.store.Len())
}

func TestDisabledSlotRejectsUntilEnabled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	caller := notification.Caller{Bundle: "com.app.a", UID: 100}
	onA, onB := &collector{}, &collector{}
	_, err := h.b.Subscribe(onA, subscriber.Info{Bundles: []string{"com.app.a"}})
	require.NoError(t, err)
	_, err = h.b.Subscribe(onB, subscriber.Info{Bundles: []string{"com.app.b"}})
	require.NoError(t, err)

	slot, ok := h.store.Slot(notification.SlotSocialCommunication)
	require.True(t, ok)
	slot.Enabled = false
	require.NoError(t, h.b.SetSlot(ctx, slot))

	req := notification.Request{
		ID:      1,
		Content: notification.NormalContent(notification.Basic{Title: "hi"}),
		Slot:    notification.SlotSocialCommunication,
	}
	res, err := h.b.Publish(ctx, caller, req)
	require.ErrorIs(t, err, notification.ErrPolicy)
	assert.Equal(t, notification.StatusRejected, res.Status)
	assert.Zero(t, h.store.Len())

	slot.Enabled = true
	require.NoError(t, h.b.SetSlot(ctx, slot))
	res, err = h.b.Publish(ctx, caller, req)
	require.NoError(t, err)
	assert.Equal(t, notification.StatusAccepted, res.Status)

	require.Eventually(t, func() bool { return len(onA.kinds()) == 1 }, time.Second, 2*time.Millisecond)
	assert.Never(t, func() bool { return len(onA.kinds()) > 1 || len(onB.kinds()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, notification.EventPublished, onA.last().Kind)
	assert.Equal(t, notification.NewIdentity("com.app.a", 100, 1), onA.last().Record.Identity)
}

func TestCancelThenRepublishStartsFresh(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := notification.NewIdentity(app.Bundle, app.UID, 1)

	_, err := h.b.Publish(ctx, app, mail(1, "first"))
	require.NoError(t, err)
	h.clock.Add(time.Minute)
	require.NoError(t, h.b.Cancel(ctx, id, notification.ReasonAppCancel))
	_, ok := h.b.Get(id)
	assert.False(t, ok)

	h.clock.Add(time.Minute)
	res, err := h.b.Publish(ctx, app, mail(1, "second"))
	require.NoError(t, err)
	assert.Equal(t, notification.StatusAccepted, res.Status)

	got, ok := h.b.Get(id)
	require.True(t, ok)
	assert.Equal(t, notification.StateActive, got.State)
	assert.Equal(t, "second", got.Content.Title())
	assert.True(t, got.CreatedAt.Equal(t0.Add(2*time.Minute)))
	assert.Equal(t, uint64(3), got.Version)
}

func TestCancelDeliversEventAndTombstone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := notification.NewIdentity(app.Bundle, app.UID, 4)

	_, err := h.b.Publish(ctx, app, mail(4, "bye"))
	require.NoError(t, err)
	h.waitKinds(t, notification.EventPublished)
	require.NoError(t, h.b.Cancel(ctx, id, notification.ReasonAppCancel))

	h.waitKinds(t, notification.EventPublished, notification.EventCanceled)
	assert.Equal(t, notification.ReasonAppCancel, h.sub.last().Reason)
	assert.Equal(t, uint64(2), h.repl.tombstones[id.Key()])

	err = h.b.Cancel(ctx, id, notification.ReasonAppCancel)
	assert.ErrorIs(t, err, notification.ErrNotFound)
}

func TestSuppressedRecordIsKeptButNotFannedOut(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.b.SetBundleEnabled(ctx, app.Bundle, false)

	res, err := h.b.Publish(ctx, app, mail(1, "quiet"))
	require.NoError(t, err)
	assert.Equal(t, notification.StatusAccepted, res.Status)
	assert.Equal(t, notification.DeliverySuppressed, res.Delivery)
	assert.Equal(t, 1, h.store.Len())

	assert.Never(t, func() bool { return len(h.sub.kinds()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func deferAllDay(t *testing.T) filter.DisturbPolicy {
	t.Helper()
	p, err := filter.ParseDisturbPolicy("allow_alarms", "daily", "00:00", "00:00", "defer", nil)
	require.NoError(t, err)
	return p
}

func TestDeferredRecordReleasedWhenPolicyLifts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.b.SetDisturbPolicy(ctx, deferAllDay(t)))

	res, err := h.b.Publish(ctx, app, mail(1, "later"))
	require.NoError(t, err)
	assert.Equal(t, notification.DeliveryDeferred, res.Delivery)
	assert.Equal(t, 1, h.b.DeferredLen())

	// Alarms pass the window.
	alarm := mail(2, "wake up")
	alarm.Classification = notification.ClassAlarm
	res, err = h.b.Publish(ctx, app, alarm)
	require.NoError(t, err)
	assert.Equal(t, notification.DeliveryAllowed, res.Delivery)
	h.waitKinds(t, notification.EventPublished)

	require.NoError(t, h.b.SetDisturbPolicy(ctx, filter.DisturbPolicy{Mode: filter.AllowAll, Action: filter.ActionMute}))
	assert.Zero(t, h.b.DeferredLen())
	h.waitKinds(t, notification.EventPublished, notification.EventPublished)
	assert.Equal(t, "later", h.sub.last().Record.Content.Title())
}

func TestCancelDropsDeferredRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.b.SetDisturbPolicy(ctx, deferAllDay(t)))

	_, err := h.b.Publish(ctx, app, mail(1, "never shown"))
	require.NoError(t, err)
	require.NoError(t, h.b.Cancel(ctx, notification.NewIdentity(app.Bundle, app.UID, 1), notification.ReasonAppCancel))
	assert.Zero(t, h.b.DeferredLen())

	require.NoError(t, h.b.SetDisturbPolicy(ctx, filter.DisturbPolicy{Mode: filter.AllowAll, Action: filter.ActionMute}))
	h.waitKinds(t, notification.EventCanceled)
}

func TestRepublishReplacesDeferredEntry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.b.SetDisturbPolicy(ctx, deferAllDay(t)))

	_, err := h.b.Publish(ctx, app, mail(1, "v1"))
	require.NoError(t, err)
	_, err = h.b.Publish(ctx, app, mail(1, "v2"))
	require.NoError(t, err)
	assert.Equal(t, 1, h.b.DeferredLen())

	require.NoError(t, h.b.SetDisturbPolicy(ctx, filter.DisturbPolicy{Mode: filter.AllowAll, Action: filter.ActionMute}))
	h.waitKinds(t, notification.EventPublished)
	assert.Equal(t, "v2", h.sub.last().Record.Content.Title())
}

func TestDisablingSlotRemovesItsRecords(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.b.Publish(ctx, app, mail(1, "info"))
	require.NoError(t, err)
	social := mail(2, "chat")
	social.Slot = notification.SlotSocialCommunication
	_, err = h.b.Publish(ctx, app, social)
	require.NoError(t, err)

	slot, ok := h.store.Slot(notification.SlotContentInformation)
	require.True(t, ok)
	slot.Enabled = false
	require.NoError(t, h.b.SetSlot(ctx, slot))

	assert.Equal(t, 1, h.store.Len())
	_, err = h.b.Publish(ctx, app, mail(3, "again"))
	assert.ErrorIs(t, err, notification.ErrPolicy)
}

func TestRemoteRecordsAreAppliedWithoutEcho(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := notification.NewIdentity("com.example.chat", 0, 9)
	remote := &notification.Record{
		Identity: id,
		Content:  notification.NormalContent(notification.Basic{Title: "from phone"}),
		Slot:     notification.SlotSocialCommunication,
		Creator:  "com.example.chat",
		Origin:   "dev-phone",
		Version:  5,
	}
	require.NoError(t, h.b.ApplyRemote(ctx, remote))
	h.waitKinds(t, notification.EventPublished)
	got, ok := h.b.Get(id)
	require.True(t, ok)
	assert.Equal(t, "dev-phone", got.Origin)
	assert.Equal(t, uint64(5), got.Version)

	require.NoError(t, h.b.CancelRemote(ctx, id, 6))
	h.waitKinds(t, notification.EventPublished, notification.EventCanceled)
	assert.Equal(t, notification.ReasonRemote, h.sub.last().Reason)

	h.repl.mu.Lock()
	assert.Empty(t, h.repl.pushed)
	assert.Empty(t, h.repl.tombstones)
	h.repl.mu.Unlock()

	// A record echoed back from this device is stored but not shown again.
	echo := remote.Clone()
	echo.Identity = notification.NewIdentity("com.example.chat", 0, 10)
	echo.Origin = localDevice
	require.NoError(t, h.b.ApplyRemote(ctx, echo))
	assert.Never(t, func() bool { return len(h.sub.kinds()) > 2 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestRemoveOriginCancelsDeviceRecords(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i, dev := range []string{"dev-phone", "dev-phone", "dev-watch"} {
		require.NoError(t, h.b.ApplyRemote(ctx, &notification.Record{
			Identity: notification.NewIdentity("com.example.chat", 0, int32(i+1)),
			Content:  notification.NormalContent(notification.Basic{Title: "x"}),
			Slot:     notification.SlotOther,
			Origin:   dev,
			Version:  1,
		}))
	}
	_, err := h.b.Publish(ctx, app, mail(1, "local"))
	require.NoError(t, err)

	assert.Equal(t, 2, h.b.RemoveOrigin(ctx, "dev-phone"))
	assert.Equal(t, 2, h.store.Len())
}

func TestReminderFiresThroughPipeline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	r, err := h.b.PublishReminder(ctx, app, reminder.Spec{
		Kind:    reminder.KindTimer,
		Trigger: reminder.Trigger{Countdown: time.Minute},
		Template: reminder.Template{
			NotificationID: 77,
			Slot:           notification.SlotServiceReminder,
			Content:        notification.NormalContent(notification.Basic{Title: "tea"}),
		},
	})
	require.NoError(t, err)

	h.clock.Add(time.Minute)
	h.timer.fire()

	ident := notification.NewIdentity(app.Bundle, app.UID, 77).WithLabel(notification.ReminderLabel)
	rec, ok := h.b.Get(ident)
	require.True(t, ok)
	assert.Equal(t, r.ID, rec.ReminderID)
	h.waitKinds(t, notification.EventPublished)

	got, err := h.b.reminders.Get(r.ID)
	require.NoError(t, err)
	assert.Equal(t, reminder.StateFiring, got.State)

	// The user clearing the notification ends the one-shot reminder.
	require.NoError(t, h.b.Cancel(ctx, ident, notification.ReasonUserDismiss))
	_, err = h.b.reminders.Get(r.ID)
	assert.ErrorIs(t, err, notification.ErrNotFound)
}

func TestCancelReminderDismissesNotification(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	r, err := h.b.PublishReminder(ctx, app, reminder.Spec{
		Kind:    reminder.KindTimer,
		Trigger: reminder.Trigger{Countdown: time.Minute},
		Template: reminder.Template{
			NotificationID: 5,
			Slot:           notification.SlotServiceReminder,
			Content:        notification.NormalContent(notification.Basic{Title: "stretch"}),
		},
	})
	require.NoError(t, err)
	h.clock.Add(time.Minute)
	h.timer.fire()
	require.Equal(t, 1, h.store.Len())

	other := notification.Caller{Bundle: "com.other", UID: 100}
	assert.ErrorIs(t, h.b.CancelReminder(ctx, other, r.ID), notification.ErrNotFound)

	require.NoError(t, h.b.CancelReminder(ctx, app, r.ID))
	assert.Zero(t, h.store.Len())
	assert.Empty(t, h.b.Reminders(app.Bundle))
}

func TestUninstallRemovesRecordsAndReminders(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := int32(1); i <= 3; i++ {
		_, err := h.b.Publish(ctx, app, mail(i, "m"))
		require.NoError(t, err)
	}
	_, err := h.b.PublishReminder(ctx, app, reminder.Spec{
		Kind:    reminder.KindAlarm,
		Trigger: reminder.Trigger{Hour: 7},
		Template: reminder.Template{
			NotificationID: 9,
			Slot:           notification.SlotServiceReminder,
			Content:        notification.NormalContent(notification.Basic{Title: "alarm"}),
		},
	})
	require.NoError(t, err)

	records, reminders, err := h.b.Uninstall(ctx, app.Bundle, app.UID)
	require.NoError(t, err)
	assert.Equal(t, 3, records)
	assert.Equal(t, 1, reminders)
	assert.Zero(t, h.store.Len())
}

func TestKeyLockSerializesPerKey(t *testing.T) {
	l := newKeyLock()
	unlock := l.Lock("a")

	acquired := make(chan struct{})
	go func() {
		u := l.Lock("a")
		close(acquired)
		u()
	}()

	other := l.Lock("b")
	other()

	select {
	case <-acquired:
		t.Fatal("second holder got the lock")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	<-acquired
	require.Eventually(t, func() bool { return l.size() == 0 }, time.Second, time.Millisecond)
}
