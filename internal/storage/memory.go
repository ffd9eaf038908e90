package storage

import (
	"context"
	"sort"
	"sync"
)

type memoryStore struct {
	mu      sync.Mutex
	buckets map[string]map[string][]byte
	audit   []AuditEntry
	closed  bool
}

// NewMemory returns a process-local Store.
func NewMemory() Store {
	return &memoryStore{buckets: map[string]map[string][]byte{}}
}

func (s *memoryStore) Put(_ context.Context, bucket, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	b := s.buckets[bucket]
	if b == nil {
		b = map[string][]byte{}
		s.buckets[bucket] = b
	}
	b[key] = append([]byte(nil), value...)
	return nil
}

func (s *memoryStore) Delete(_ context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.buckets[bucket], key)
	return nil
}

func (s *memoryStore) Scan(ctx context.Context, bucket string, fn func(key string, value []byte) error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	entries := sortedEntries(s.buckets[bucket])
	s.mu.Unlock()
	return scanEntries(ctx, entries, fn)
}

func (s *memoryStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.audit = append(s.audit, e)
	return nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

type kv struct {
	key   string
	value []byte
}

func sortedEntries(m map[string][]byte) []kv {
	out := make([]kv, 0, len(m))
	for k, v := range m {
		out = append(out, kv{key: k, value: append([]byte(nil), v...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

func scanEntries(ctx context.Context, entries []kv, fn func(key string, value []byte) error) error {
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e.key, e.value); err != nil {
			return err
		}
	}
	return nil
}
