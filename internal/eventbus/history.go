package eventbus

import (
	"context"
	"sync"
)

// History keeps the last N events seen on a bus.
type History struct {
	mu    sync.Mutex
	buf   []Event
	next  int
	full  bool
	count uint64
}

func NewHistory(size int) *History {
	if size <= 0 {
		size = 256
	}
	return &History{buf: make([]Event, size)}
}

func (h *History) Add(e Event) {
	h.mu.Lock()
	h.buf[h.next] = e
	h.next = (h.next + 1) % len(h.buf)
	if h.next == 0 {
		h.full = true
	}
	h.count++
	h.mu.Unlock()
}

// Events returns the retained events, oldest first.
func (h *History) Events() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.full {
		return append([]Event(nil), h.buf[:h.next]...)
	}
	out := make([]Event, 0, len(h.buf))
	out = append(out, h.buf[h.next:]...)
	return append(out, h.buf[:h.next]...)
}

// Total is the number of events ever recorded.
func (h *History) Total() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Follow records everything published on bus until ctx ends.
func (h *History) Follow(ctx context.Context, bus Bus) {
	ch, unsub := bus.Subscribe(len(h.buf))
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			h.Add(e)
		}
	}
}
