package record

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifd/internal/launch"
	"notifd/internal/notification"
	"notifd/internal/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type systemUIDs []int32

func (s systemUIDs) IsSystemCaller(uid int32) bool {
	for _, u := range s {
		if u == uid {
			return true
		}
	}
	return false
}

var chat = notification.Caller{Bundle: "com.chat", UID: 100}

func normal(id int32, title string) notification.Request {
	return notification.Request{ID: id, Slot: notification.SlotSocialCommunication, Content: notification.NormalContent(notification.Basic{Title: title})}
}

func newStore(t *testing.T, persist storage.Store) (*Store, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return New(Config{Persist: persist, Authorizer: systemUIDs{1000}, Launch: launch.CodecResolver{}, Now: clk.Now}), clk
}

func TestPublishThenRepublishUpdatesInPlace(t *testing.T) {
	s, clk := newStore(t, nil)
	ctx := context.Background()

	res, rec, err := s.Publish(ctx, chat, normal(1, "hello"))
	require.NoError(t, err)
	assert.Equal(t, notification.StatusAccepted, res.Status)
	assert.Equal(t, uint64(1), rec.Version)
	created := rec.CreatedAt

	clk.Advance(time.Minute)
	res, rec, err = s.Publish(ctx, chat, normal(1, "hello again"))
	require.NoError(t, err)
	assert.Equal(t, notification.StatusUpdated, res.Status)
	assert.Equal(t, uint64(2), rec.Version)
	assert.True(t, rec.CreatedAt.Equal(created))
	assert.True(t, rec.UpdatedAt.After(created))
	assert.Equal(t, 1, s.Len())

	got, ok := s.Get(rec.Identity)
	require.True(t, ok)
	assert.Equal(t, "hello again", got.Content.Title())
}

func TestLabelsAreDistinctIdentities(t *testing.T) {
	s, _ := newStore(t, nil)
	ctx := context.Background()
	req := normal(1, "x")
	_, _, err := s.Publish(ctx, chat, req)
	require.NoError(t, err)

	empty := ""
	req.Label = &empty
	res, _, err := s.Publish(ctx, chat, req)
	require.NoError(t, err)
	assert.Equal(t, notification.StatusAccepted, res.Status)
	assert.Equal(t, 2, s.Len())
}

func TestPublishRejections(t *testing.T) {
	s, _ := newStore(t, nil)
	ctx := context.Background()

	_, _, err := s.Publish(ctx, chat, notification.Request{ID: 1, Slot: notification.SlotOther, Content: notification.NormalContent(notification.Basic{})})
	assert.ErrorIs(t, err, notification.ErrValidation)

	agent := normal(2, "on behalf")
	agent.OnBehalfOf, agent.OnBehalfOfUID = "com.mail", 101
	res, _, err := s.Publish(ctx, chat, agent)
	assert.ErrorIs(t, err, notification.ErrAuthorization)
	assert.Equal(t, notification.StatusRejected, res.Status)

	_, rec, err := s.Publish(ctx, notification.Caller{Bundle: "system", UID: 1000}, agent)
	require.NoError(t, err)
	assert.True(t, rec.Agent)
	assert.Equal(t, "com.mail", rec.Identity.Bundle)
	assert.Equal(t, "system", rec.Creator)

	slot, _ := s.Slot(notification.SlotSocialCommunication)
	slot.Enabled = false
	require.NoError(t, s.SetSlot(ctx, slot))
	_, _, err = s.Publish(ctx, chat, normal(3, "muted"))
	assert.ErrorIs(t, err, notification.ErrPolicy)
	assert.Equal(t, 1, s.Len(), "rejected publishes must not be applied")
}

func TestClickActionBecomesHandle(t *testing.T) {
	s, _ := newStore(t, nil)
	req := normal(1, "open me")
	req.Click = &launch.Action{Bundle: "com.chat", Ability: "Thread"}
	_, rec, err := s.Publish(context.Background(), chat, req)
	require.NoError(t, err)

	a, err := launch.Decode(rec.Launch)
	require.NoError(t, err)
	assert.Equal(t, "Thread", a.Ability)
}

func TestCancelAndVersions(t *testing.T) {
	s, _ := newStore(t, nil)
	ctx := context.Background()
	id := normal(1, "x").Identity(chat)

	_, err := s.Cancel(ctx, id)
	assert.ErrorIs(t, err, notification.ErrNotFound)

	_, rec, err := s.Publish(ctx, chat, normal(1, "x"))
	require.NoError(t, err)
	removed, err := s.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, notification.StateRemoved, removed.State)
	assert.Greater(t, removed.Version, rec.Version)
	assert.True(t, s.CanceledSince(id.Key(), rec.Version))
	_, ok := s.Get(id)
	assert.False(t, ok)

	_, again, err := s.Publish(ctx, chat, normal(1, "x"))
	require.NoError(t, err)
	assert.Greater(t, again.Version, removed.Version, "versions keep increasing across removal")
	assert.False(t, s.CanceledSince(id.Key(), again.Version))
}

func TestCancelMatchingOwner(t *testing.T) {
	s, _ := newStore(t, nil)
	ctx := context.Background()
	other := notification.Caller{Bundle: "com.mail", UID: 100}
	for i := int32(1); i <= 3; i++ {
		_, _, err := s.Publish(ctx, chat, normal(i, "c"))
		require.NoError(t, err)
	}
	_, _, err := s.Publish(ctx, other, normal(1, "m"))
	require.NoError(t, err)

	removed, err := s.CancelMatching(ctx, ForOwner("com.chat", 100))
	require.NoError(t, err)
	assert.Len(t, removed, 3)
	assert.Len(t, s.List(Filter{}), 1)
}

func TestApplyRemoteKeepsHigherVersion(t *testing.T) {
	s, _ := newStore(t, nil)
	ctx := context.Background()
	rec := &notification.Record{
		Identity: notification.NewIdentity("com.chat", 100, 5),
		Content:  notification.NormalContent(notification.Basic{Title: "remote"}),
		Slot:     notification.SlotOther,
		Origin:   "dev-b",
		Version:  7,
	}
	status, got, err := s.ApplyRemote(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, notification.StatusAccepted, status)
	assert.Equal(t, uint64(7), got.Version)
	assert.Equal(t, uint64(7), s.Version(rec.Identity.Key()))

	_, local, err := s.Publish(ctx, chat, normal(5, "local"))
	require.NoError(t, err)
	assert.Equal(t, uint64(8), local.Version)
}

func TestApplyRemoteRefusesOlderVersion(t *testing.T) {
	s, _ := newStore(t, nil)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, _, err := s.Publish(ctx, chat, normal(5, "local"))
		require.NoError(t, err)
	}
	id := normal(5, "").Identity(chat)

	_, _, err := s.ApplyRemote(ctx, &notification.Record{
		Identity: id,
		Content:  notification.NormalContent(notification.Basic{Title: "remote"}),
		Slot:     notification.SlotOther,
		Origin:   "dev-b",
		Version:  3,
	})
	require.ErrorIs(t, err, notification.ErrStale)
	got, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, "local", got.Content.Title())
	assert.Equal(t, uint64(4), got.Version)

	// An equal version that won the merge elsewhere keeps its number.
	status, applied, err := s.ApplyRemote(ctx, &notification.Record{
		Identity: id,
		Content:  notification.NormalContent(notification.Basic{Title: "remote"}),
		Slot:     notification.SlotOther,
		Origin:   "dev-b",
		Version:  4,
	})
	require.NoError(t, err)
	assert.Equal(t, notification.StatusUpdated, status)
	assert.Equal(t, uint64(4), applied.Version)
	assert.Equal(t, "dev-b", applied.Origin)
}

func TestSharingSwitches(t *testing.T) {
	s, _ := newStore(t, nil)
	ctx := context.Background()
	assert.True(t, s.Shared("com.chat", 100))

	s.SetBundleSharing(ctx, chat, false)
	assert.False(t, s.Shared("com.chat", 100))
	assert.True(t, s.Shared("com.chat", 101))

	s.SetSharing(ctx, false)
	assert.False(t, s.SharingEnabled())
	assert.False(t, s.Shared("com.mail", 100))

	s.ReplaceSharing(true, nil)
	assert.True(t, s.Shared("com.chat", 100))
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	s, _ := newStore(t, mem)
	_, _, err := s.Publish(ctx, chat, normal(1, "kept"))
	require.NoError(t, err)
	_, rec, err := s.Publish(ctx, chat, normal(2, "gone"))
	require.NoError(t, err)
	_, err = s.Cancel(ctx, rec.Identity)
	require.NoError(t, err)
	require.NoError(t, mem.Put(ctx, storage.BucketRecords, "junk", []byte{0xff}))

	fresh, _ := newStore(t, mem)
	restored, skipped, err := fresh.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, restored)
	assert.Equal(t, 1, skipped)
	_, ok := fresh.Get(normal(1, "").Identity(chat))
	assert.True(t, ok)

	_, again, err := fresh.Publish(ctx, chat, normal(2, "back"))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), again.Version, "counter of a removed record survives restart")
}

func TestRestoreDetectsIndexCorruption(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	rec := &notification.Record{
		Identity: notification.NewIdentity("com.chat", 100, 1),
		Content:  notification.NormalContent(notification.Basic{Title: "x"}),
		Slot:     notification.SlotOther,
		State:    notification.StateActive,
		Version:  1,
	}
	b, err := notification.EncodeRecord(rec)
	require.NoError(t, err)
	require.NoError(t, mem.Put(ctx, storage.BucketRecords, "com.chat|100|2|-", b))

	s, _ := newStore(t, mem)
	_, _, err = s.Restore(ctx)
	assert.ErrorIs(t, err, notification.ErrIndexCorrupt)
}

func TestReadersDoNotSeeTornState(t *testing.T) {
	s, _ := newStore(t, nil)
	ctx := context.Background()
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, _, err := s.Publish(ctx, chat, normal(int32(w*100+i), "x"))
				assert.NoError(t, err)
			}
		}(w)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				for _, rec := range s.List(Filter{}) {
					assert.Equal(t, notification.StateActive, rec.State)
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 200, s.Len())
}

func TestBundleEnabledAndSlots(t *testing.T) {
	s, _ := newStore(t, storage.NewMemory())
	ctx := context.Background()
	assert.True(t, s.BundleEnabled("com.chat"))
	s.SetBundleEnabled(ctx, "com.chat", false)
	assert.False(t, s.BundleEnabled("com.chat"))

	assert.Len(t, s.Slots(), 5)
	assert.Error(t, s.SetSlot(ctx, notification.Slot{Type: 99}))
	require.NoError(t, s.ReplaceSlots(map[notification.SlotType]notification.Slot{
		notification.SlotOther: {Type: notification.SlotOther, Enabled: false, Visibility: notification.VisibilitySecret},
	}))
	sl, _ := s.Slot(notification.SlotOther)
	assert.False(t, sl.Enabled)
}
