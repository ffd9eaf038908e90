package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifd/internal/distributed"
	"notifd/internal/eventbus"
	"notifd/internal/notification"
	"notifd/internal/record"
)

func syncedBroker(t *testing.T, store *record.Store, clk *clock, hub *distributed.Hub, initial bool) (*Broker, *distributed.Reconciler) {
	t.Helper()
	b := newPipeline(t, store, clk, &manualTimer{}, eventbus.New())
	r, err := distributed.New(distributed.Config{
		DeviceID:      localDevice,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		InitialSync:   initial,
	}, distributed.Options{Repl: hub.Endpoint(), Applier: b, Sharing: store, Now: clk.Now})
	require.NoError(t, err)
	b.SetReplication(r)
	startBroker(t, b)
	return b, r
}

func hubEntry(hub *distributed.Hub, key notification.Key) (distributed.Entry, bool) {
	raw, ok, err := hub.Endpoint().Get(context.Background(), string(key))
	if err != nil || !ok {
		return distributed.Entry{}, false
	}
	e, err := distributed.DecodeEntry(string(key), raw)
	return e, err == nil
}

func TestStartKeepsNewerLocalRecordOverStalePeerEntry(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: t0}
	store := record.New(record.Config{Now: clk.Now})
	for i := 0; i < 5; i++ {
		_, _, err := store.Publish(ctx, app, mail(1, "local v5"))
		require.NoError(t, err)
	}
	id := notification.NewIdentity(app.Bundle, app.UID, 1)

	hub := distributed.NewHub()
	stale := &notification.Record{
		Identity: id,
		Content:  notification.NormalContent(notification.Basic{Title: "stale peer v2"}),
		Slot:     notification.SlotContentInformation,
		State:    notification.StateActive,
		Creator:  app.Bundle,
		Version:  2,
	}
	raw, err := distributed.EncodeEntry(distributed.Entry{
		Key:       id.Key(),
		Record:    stale,
		State:     notification.StateActive,
		Version:   2,
		Timestamp: t0.Add(-time.Hour),
		Origin:    "dev-b",
	})
	require.NoError(t, err)
	require.NoError(t, hub.Endpoint().Put(ctx, string(id.Key()), raw))

	b, r := syncedBroker(t, store, clk, hub, true)

	got, ok := b.Get(id)
	require.True(t, ok)
	assert.Equal(t, "local v5", got.Content.Title())
	assert.Equal(t, uint64(5), got.Version)
	assert.False(t, got.IsRemote())
	assert.Zero(t, r.Stats().Applied)

	// Peers converge on the local record.
	require.Eventually(t, func() bool {
		e, ok := hubEntry(hub, id.Key())
		return ok && e.Origin == localDevice && e.Version == 5
	}, time.Second, 5*time.Millisecond)
}

func TestStaleRemoteRecordIsRefused(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := h.b.Publish(ctx, app, mail(1, "mine"))
		require.NoError(t, err)
	}
	id := notification.NewIdentity(app.Bundle, app.UID, 1)

	err := h.b.ApplyRemote(ctx, &notification.Record{
		Identity: id,
		Content:  notification.NormalContent(notification.Basic{Title: "theirs"}),
		Slot:     notification.SlotContentInformation,
		Origin:   "dev-b",
		Version:  2,
	})
	require.ErrorIs(t, err, notification.ErrStale)

	got, ok := h.b.Get(id)
	require.True(t, ok)
	assert.Equal(t, "mine", got.Content.Title())
	assert.Equal(t, uint64(3), got.Version)
	assert.Empty(t, got.Origin)
}

func TestUnsharedOwnerStaysLocal(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: t0}
	store := record.New(record.Config{Now: clk.Now})
	hub := distributed.NewHub()
	b, r := syncedBroker(t, store, clk, hub, false)

	b.SetBundleSharing(ctx, app, false)
	_, err := b.Publish(ctx, app, mail(1, "private"))
	require.NoError(t, err)
	id := notification.NewIdentity(app.Bundle, app.UID, 1)

	assert.Never(t, func() bool {
		_, ok := hubEntry(hub, id.Key())
		return ok
	}, 50*time.Millisecond, 5*time.Millisecond)
	assert.Zero(t, r.Stats().Known)

	// Sharing again pushes what is already there.
	b.SetBundleSharing(ctx, app, true)
	require.Eventually(t, func() bool {
		_, ok := hubEntry(hub, id.Key())
		return ok
	}, time.Second, 5*time.Millisecond)

	// Once peers hold the record, its removal follows even after sharing
	// is switched off.
	b.SetSharing(ctx, false)
	require.NoError(t, b.Cancel(ctx, id, notification.ReasonAppCancel))
	require.Eventually(t, func() bool {
		e, ok := hubEntry(hub, id.Key())
		return ok && e.Tombstone()
	}, time.Second, 5*time.Millisecond)

	_, err = b.Publish(ctx, app, mail(2, "never leaves"))
	require.NoError(t, err)
	require.NoError(t, b.Cancel(ctx, notification.NewIdentity(app.Bundle, app.UID, 2), notification.ReasonAppCancel))
	assert.Never(t, func() bool {
		_, ok := hubEntry(hub, notification.NewIdentity(app.Bundle, app.UID, 2).Key())
		return ok
	}, 50*time.Millisecond, 5*time.Millisecond)
}
