package broker

import (
	"sync"

	"notifd/internal/notification"
)

// keyLock serializes work per identity. Entries are dropped when the last
// holder unlocks.
type keyLock struct {
	mu    sync.Mutex
	locks map[notification.Key]*keyEntry
}

type keyEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyLock() *keyLock {
	return &keyLock{locks: map[notification.Key]*keyEntry{}}
}

// Lock blocks until key is free and returns its unlock function.
func (l *keyLock) Lock(key notification.Key) func() {
	l.mu.Lock()
	e := l.locks[key]
	if e == nil {
		e = &keyEntry{}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

func (l *keyLock) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
