package filter

import (
	"sort"
	"sync"
	"time"

	"notifd/internal/notification"
)

// Deferred parks records a filter asked to re-evaluate later. There is at
// most one entry per identity: parking again replaces it.
type Deferred struct {
	mu      sync.Mutex
	entries map[notification.Key]deferredEntry
	wake    chan struct{}
}

type deferredEntry struct {
	rec   *notification.Record
	until time.Time
}

func NewDeferred() *Deferred {
	return &Deferred{entries: map[notification.Key]deferredEntry{}, wake: make(chan struct{}, 1)}
}

func (q *Deferred) Park(rec *notification.Record, until time.Time) {
	q.mu.Lock()
	q.entries[rec.Identity.Key()] = deferredEntry{rec: rec.Clone(), until: until}
	q.mu.Unlock()
	q.signal()
}

// Drop removes a parked entry. It reports whether one existed.
func (q *Deferred) Drop(key notification.Key) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.entries[key]
	delete(q.entries, key)
	return ok
}

// Take removes and returns the parked record for key, if any.
func (q *Deferred) Take(key notification.Key) (*notification.Record, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[key]
	if !ok {
		return nil, false
	}
	delete(q.entries, key)
	return e.rec, true
}

// DueKeys returns the keys whose re-evaluation time is <= now, ordered by
// (time, key). With all set it returns every key.
func (q *Deferred) DueKeys(now time.Time, all bool) []notification.Key {
	q.mu.Lock()
	type kt struct {
		key   notification.Key
		until time.Time
	}
	var due []kt
	for k, e := range q.entries {
		if all || !e.until.After(now) {
			due = append(due, kt{k, e.until})
		}
	}
	q.mu.Unlock()
	sort.Slice(due, func(i, j int) bool {
		if !due[i].until.Equal(due[j].until) {
			return due[i].until.Before(due[j].until)
		}
		return due[i].key < due[j].key
	})
	out := make([]notification.Key, len(due))
	for i, d := range due {
		out[i] = d.key
	}
	return out
}

// Next returns the earliest re-evaluation time.
func (q *Deferred) Next() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var next time.Time
	for _, e := range q.entries {
		if next.IsZero() || e.until.Before(next) {
			next = e.until
		}
	}
	return next, !next.IsZero()
}

func (q *Deferred) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Wake fires after Park; the loop uses it to re-arm its timer.
func (q *Deferred) Wake() <-chan struct{} { return q.wake }

func (q *Deferred) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
