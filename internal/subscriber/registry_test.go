package subscriber

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifd/internal/eventbus"
	"notifd/internal/notification"
)

type recorder struct {
	mu     sync.Mutex
	events []notification.Event
	fail   int // fail this many calls first
	err    error
	block  chan struct{}
}

func (r *recorder) OnEvent(ctx context.Context, ev notification.Event) error {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail > 0 {
		r.fail--
		return r.err
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) got() []notification.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notification.Event(nil), r.events...)
}

func (r *recorder) titles() []string {
	var out []string
	for _, ev := range r.got() {
		out = append(out, ev.Record.Content.Title())
	}
	return out
}

type gate map[notification.Key]uint64

func (g gate) CanceledSince(key notification.Key, version uint64) bool {
	v, ok := g[key]
	return ok && v > version
}

func event(bundle string, id int32, title string, version uint64) notification.Event {
	return notification.Event{
		Kind: notification.EventPublished,
		Record: &notification.Record{
			Identity: notification.NewIdentity(bundle, 0, id),
			Content:  notification.NormalContent(notification.Basic{Title: title}),
			Slot:     notification.SlotOther,
			State:    notification.StateActive,
			Version:  version,
		},
	}
}

func fastConfig() Config {
	return Config{RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond, MaxFailures: 2}
}

func started(t *testing.T, cfg Config, opts Options) *Registry {
	t.Helper()
	r := New(cfg, opts)
	r.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = r.Stop(ctx)
	})
	return r
}

func TestSubscribeKeepsTokenAndUpdatesFilter(t *testing.T) {
	r := started(t, fastConfig(), Options{})
	sub := &recorder{}

	tok, err := r.Subscribe(sub, Info{Bundles: []string{"com.a"}})
	require.NoError(t, err)
	again, err := r.Subscribe(sub, Info{Bundles: []string{"com.b"}})
	require.NoError(t, err)
	assert.Equal(t, tok, again)
	assert.Equal(t, 1, r.Len())

	assert.Equal(t, 0, r.Dispatch(event("com.a", 1, "a", 1)))
	assert.Equal(t, 1, r.Dispatch(event("com.b", 1, "b", 1)))
	require.Eventually(t, func() bool { return len(sub.got()) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, r.Unsubscribe(tok))
	assert.ErrorIs(t, r.Unsubscribe(tok), notification.ErrNotFound)
	assert.ErrorIs(t, r.Unsubscribe("nope"), notification.ErrNotFound)
}

func TestSubscribeRejectsNil(t *testing.T) {
	r := New(Config{}, Options{})
	_, err := r.Subscribe(nil, Info{})
	assert.ErrorIs(t, err, notification.ErrValidation)
}

func TestDeliveryIsFIFOPerSubscriber(t *testing.T) {
	r := started(t, fastConfig(), Options{})
	sub := &recorder{}
	_, err := r.Subscribe(sub, Info{})
	require.NoError(t, err)

	want := []string{"1", "2", "3", "4", "5"}
	for i, title := range want {
		r.Dispatch(event("com.a", 7, title, uint64(i+1)))
	}
	require.Eventually(t, func() bool { return len(sub.got()) == len(want) }, time.Second, time.Millisecond)
	assert.Equal(t, want, sub.titles())
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	r := started(t, fastConfig(), Options{})
	slow := &recorder{block: make(chan struct{})}
	fast := &recorder{}
	_, err := r.Subscribe(slow, Info{})
	require.NoError(t, err)
	_, err = r.Subscribe(fast, Info{})
	require.NoError(t, err)

	r.Dispatch(event("com.a", 1, "x", 1))
	require.Eventually(t, func() bool { return len(fast.got()) == 1 }, time.Second, time.Millisecond)
	assert.Empty(t, slow.got())
	close(slow.block)
	require.Eventually(t, func() bool { return len(slow.got()) == 1 }, time.Second, time.Millisecond)
}

func TestMailboxOverflowDropsOldest(t *testing.T) {
	cfg := fastConfig()
	cfg.MailboxSize = 2
	r := New(cfg, Options{})
	sub := &recorder{}
	_, err := r.Subscribe(sub, Info{})
	require.NoError(t, err)

	// Not started yet, so events stay queued.
	for _, title := range []string{"1", "2", "3"} {
		r.Dispatch(event("com.a", 1, title, 1))
	}
	st := r.Subscribers()
	require.Len(t, st, 1)
	assert.Equal(t, 2, st[0].Queued)
	assert.Equal(t, uint64(1), st[0].Dropped)

	r.Start(context.Background())
	defer r.Stop(context.Background())
	require.Eventually(t, func() bool { return len(sub.got()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"2", "3"}, sub.titles())
}

func TestMailboxOverflowKeepsCancels(t *testing.T) {
	cfg := fastConfig()
	cfg.MailboxSize = 2
	r := New(cfg, Options{})
	sub := &recorder{}
	_, err := r.Subscribe(sub, Info{})
	require.NoError(t, err)

	gone := event("com.a", 1, "gone", 2)
	gone.Kind = notification.EventCanceled
	r.Dispatch(gone)
	r.Dispatch(event("com.a", 2, "old", 1))
	r.Dispatch(event("com.a", 3, "new", 1))

	st := r.Subscribers()
	require.Len(t, st, 1)
	assert.Equal(t, uint64(1), st[0].Dropped)

	r.Start(context.Background())
	defer r.Stop(context.Background())
	require.Eventually(t, func() bool { return len(sub.got()) == 2 }, time.Second, time.Millisecond)
	got := sub.got()
	assert.Equal(t, notification.EventCanceled, got[0].Kind)
	assert.Equal(t, "new", got[1].Record.Content.Title())
}

func TestRetriesThenDelivers(t *testing.T) {
	r := started(t, fastConfig(), Options{})
	sub := &recorder{fail: 2, err: errors.New("busy")}
	_, err := r.Subscribe(sub, Info{})
	require.NoError(t, err)

	r.Dispatch(event("com.a", 1, "x", 1))
	require.Eventually(t, func() bool { return len(sub.got()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, r.Len())
}

func TestFailingSubscriberIsRemoved(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	r := started(t, fastConfig(), Options{Bus: bus})
	sub := &recorder{fail: 100, err: errors.New("down")}
	tok, err := r.Subscribe(sub, Info{})
	require.NoError(t, err)

	r.Dispatch(event("com.a", 1, "x", 1))
	r.Dispatch(event("com.a", 1, "y", 2))
	require.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, time.Millisecond)

	var removed bool
	for !removed {
		select {
		case ev := <-ch:
			removed = ev.Type == eventbus.TypeSubscriberRemoved && ev.Data["token"] == tok
		case <-time.After(time.Second):
			t.Fatal("no removal event")
		}
	}
}

func TestGoneSubscriberIsRemovedImmediately(t *testing.T) {
	r := started(t, fastConfig(), Options{})
	_, err := r.Subscribe(&recorder{fail: 1, err: ErrSubscriberGone}, Info{})
	require.NoError(t, err)
	r.Dispatch(event("com.a", 1, "x", 1))
	require.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, time.Millisecond)
}

func TestCancelGateSkipsStalePublishes(t *testing.T) {
	stale := event("com.a", 1, "stale", 3)
	g := gate{stale.Record.Identity.Key(): 4}
	r := started(t, fastConfig(), Options{Gate: g})
	sub := &recorder{}
	_, err := r.Subscribe(sub, Info{})
	require.NoError(t, err)

	r.Dispatch(stale)
	cancel := event("com.a", 1, "stale", 4)
	cancel.Kind = notification.EventCanceled
	cancel.Reason = notification.ReasonAppCancel
	r.Dispatch(cancel)

	require.Eventually(t, func() bool { return len(sub.got()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, notification.EventCanceled, sub.got()[0].Kind)
	assert.Equal(t, uint64(1), r.Subscribers()[0].Skipped)
}

func TestSubscriberPanicCountsAsFailure(t *testing.T) {
	r := started(t, fastConfig(), Options{})
	var calls int
	var mu sync.Mutex
	sub := &Func{Fn: func(context.Context, notification.Event) error {
		mu.Lock()
		calls++
		mu.Unlock()
		panic("boom")
	}}
	_, err := r.Subscribe(sub, Info{})
	require.NoError(t, err)
	r.Dispatch(event("com.a", 1, "x", 1))
	r.Dispatch(event("com.a", 1, "x", 2))
	require.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 6, calls)
}

func TestEventsAreIsolatedCopies(t *testing.T) {
	r := started(t, fastConfig(), Options{})
	a, b := &recorder{}, &recorder{}
	_, _ = r.Subscribe(a, Info{})
	_, _ = r.Subscribe(b, Info{})
	r.Dispatch(event("com.a", 1, "x", 1))
	require.Eventually(t, func() bool { return len(a.got()) == 1 && len(b.got()) == 1 }, time.Second, time.Millisecond)
	assert.NotSame(t, a.got()[0].Record, b.got()[0].Record)
}
