package distributed

import (
	"context"
	"sort"
	"sync"
)

// Replicator is the replication transport: a key/value space shared with
// other devices. Subscribe delivers every change (including this device's
// own writes) in order on a goroutine owned by the replicator.
type Replicator interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Subscribe(ctx context.Context, fn func(key string, value []byte)) (cancel func(), err error)
}

// Scanner is implemented by replicators that can list their contents for
// the initial sync.
type Scanner interface {
	Scan(ctx context.Context, fn func(key string, value []byte) error) error
}

// Hub is an in-memory replication space for a single process. Each device
// talks to it through its own Endpoint.
type Hub struct {
	mu   sync.Mutex
	data map[string][]byte
	subs map[uint64]*hubSub
	seq  uint64
}

func NewHub() *Hub {
	return &Hub{data: map[string][]byte{}, subs: map[uint64]*hubSub{}}
}

func (h *Hub) Endpoint() *Endpoint { return &Endpoint{hub: h} }

func (h *Hub) put(key string, value []byte) {
	v := append([]byte(nil), value...)
	h.mu.Lock()
	h.data[key] = v
	subs := make([]*hubSub, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()
	for _, s := range subs {
		s.push(key, v)
	}
}

// Endpoint is one device's view of a Hub. Fail makes writes return an error
// until cleared, simulating an unavailable transport.
type Endpoint struct {
	hub *Hub

	mu   sync.Mutex
	fail error
}

func (e *Endpoint) Fail(err error) {
	e.mu.Lock()
	e.fail = err
	e.mu.Unlock()
}

func (e *Endpoint) err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fail
}

func (e *Endpoint) Put(_ context.Context, key string, value []byte) error {
	if err := e.err(); err != nil {
		return err
	}
	e.hub.put(key, value)
	return nil
}

func (e *Endpoint) Get(_ context.Context, key string) ([]byte, bool, error) {
	if err := e.err(); err != nil {
		return nil, false, err
	}
	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()
	v, ok := e.hub.data[key]
	return append([]byte(nil), v...), ok, nil
}

func (e *Endpoint) Scan(ctx context.Context, fn func(key string, value []byte) error) error {
	e.hub.mu.Lock()
	keys := make([]string, 0, len(e.hub.data))
	for k := range e.hub.data {
		keys = append(keys, k)
	}
	snapshot := make(map[string][]byte, len(keys))
	for _, k := range keys {
		snapshot[k] = e.hub.data[k]
	}
	e.hub.mu.Unlock()

	sort.Strings(keys)
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(k, snapshot[k]); err != nil {
			return err
		}
	}
	return nil
}

func (e *Endpoint) Subscribe(ctx context.Context, fn func(key string, value []byte)) (func(), error) {
	s := &hubSub{fn: fn, wake: make(chan struct{}, 1), done: make(chan struct{})}
	h := e.hub
	h.mu.Lock()
	h.seq++
	id := h.seq
	h.subs[id] = s
	h.mu.Unlock()

	go s.run(ctx)

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(s.done)
		})
	}, nil
}

type hubChange struct {
	key   string
	value []byte
}

// hubSub delivers changes in order on its own goroutine.
type hubSub struct {
	fn   func(key string, value []byte)
	mu   sync.Mutex
	q    []hubChange
	wake chan struct{}
	done chan struct{}
}

func (s *hubSub) push(key string, value []byte) {
	s.mu.Lock()
	s.q = append(s.q, hubChange{key, value})
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *hubSub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.q) == 0 {
				s.mu.Unlock()
				break
			}
			c := s.q[0]
			s.q = s.q[1:]
			s.mu.Unlock()
			s.fn(c.key, c.value)
		}
	}
}
