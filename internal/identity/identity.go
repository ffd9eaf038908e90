// Package identity resolves binding-layer caller tokens to owners and
// decides which callers are system callers (allowed to publish on behalf of
// other bundles).
package identity

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"notifd/internal/notification"
)

type Resolver interface {
	ResolveOwner(ctx context.Context, token string) (notification.Caller, error)
	IsSystemCaller(uid int32) bool
}

// Static is a config-driven Resolver. Reload swaps its tables atomically.
type Static struct {
	mu         sync.RWMutex
	tokens     map[string]notification.Caller
	systemUIDs []int32
}

func NewStatic(tokens map[string]notification.Caller, systemUIDs []int32) *Static {
	s := &Static{}
	s.Reload(tokens, systemUIDs)
	return s
}

func (s *Static) Reload(tokens map[string]notification.Caller, systemUIDs []int32) {
	cp := make(map[string]notification.Caller, len(tokens))
	for k, v := range tokens {
		cp[k] = v
	}
	uids := slices.Clone(systemUIDs)
	s.mu.Lock()
	s.tokens = cp
	s.systemUIDs = uids
	s.mu.Unlock()
}

func (s *Static) ResolveOwner(ctx context.Context, token string) (notification.Caller, error) {
	if err := ctx.Err(); err != nil {
		return notification.Caller{}, err
	}
	s.mu.RLock()
	c, ok := s.tokens[token]
	s.mu.RUnlock()
	if !ok {
		return notification.Caller{}, fmt.Errorf("%w: unknown caller token", notification.ErrAuthorization)
	}
	return c, nil
}

func (s *Static) IsSystemCaller(uid int32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Contains(s.systemUIDs, uid)
}
