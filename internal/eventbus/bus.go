// Package eventbus carries notifd lifecycle signals (notify.*, reminder.*,
// sync.*, subscriber.*) between components that must not call each other.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is a small in-memory signal.
//
// Contract:
//   - Publish never blocks.
//   - Subscribers use buffered channels; a slow subscriber drops events.
type Event struct {
	Type string         `json:"type"`
	Time time.Time      `json:"time"`
	Data map[string]any `json:"data,omitempty"`
}

const (
	TypeNotifyPublished   = "notify.published"
	TypeNotifyCanceled    = "notify.canceled"
	TypeNotifySuppressed  = "notify.suppressed"
	TypeNotifyDeferred    = "notify.deferred"
	TypeNotifyRejected    = "notify.rejected"
	TypeReminderFired     = "reminder.fired"
	TypeReminderExpired   = "reminder.expired"
	TypeReminderCanceled  = "reminder.canceled"
	TypeSyncApplied       = "sync.applied"
	TypeSyncDropped       = "sync.dropped"
	TypeSubscriberAdded   = "subscriber.added"
	TypeSubscriberRemoved = "subscriber.removed"
	TypeLogAlert          = "log.alert"
	TypeConfigReloaded    = "config.reloaded"
)

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fan-out bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends happen under the read lock so unsubscribe (write lock) can
	// close the channel safely.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(Event) {}
func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	return ch, func() {}
}
