package record

import (
	"context"
	"fmt"
	"sort"

	"notifd/internal/notification"
	"notifd/internal/storage"
	"notifd/pkg/logx"
)

// SetSlot replaces the policy of one slot type.
func (s *Store) SetSlot(ctx context.Context, slot notification.Slot) error {
	if err := slot.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.slots[slot.Type] = slot
	s.mu.Unlock()
	s.audit(ctx, "slot.set", slot.Type.String(), fmt.Sprintf("enabled=%t importance=%s bypass_dnd=%t", slot.Enabled, slot.Importance, slot.BypassDND))
	return nil
}

// ReplaceSlots installs a whole table (config reload). Types missing from
// table fall back to defaults.
func (s *Store) ReplaceSlots(table map[notification.SlotType]notification.Slot) error {
	next := notification.DefaultSlots()
	for t, sl := range table {
		if err := sl.Validate(); err != nil {
			return err
		}
		next[t] = sl
	}
	s.mu.Lock()
	s.slots = next
	s.mu.Unlock()
	return nil
}

func (s *Store) Slot(t notification.SlotType) (notification.Slot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sl, ok := s.slots[t]
	return sl, ok
}

func (s *Store) Slots() []notification.Slot {
	s.mu.RLock()
	out := make([]notification.Slot, 0, len(s.slots))
	for _, sl := range s.slots {
		out = append(out, sl)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// SetBundleEnabled toggles whether a bundle's notifications are shown.
func (s *Store) SetBundleEnabled(ctx context.Context, bundle string, enabled bool) {
	s.mu.Lock()
	if enabled {
		delete(s.disabled, bundle)
	} else {
		s.disabled[bundle] = true
	}
	s.mu.Unlock()
	s.audit(ctx, "bundle.enable", bundle, fmt.Sprintf("enabled=%t", enabled))
}

func (s *Store) BundleEnabled(bundle string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.disabled[bundle]
}

// SetSharing turns replication of local records to other devices on or off
// for every owner.
func (s *Store) SetSharing(ctx context.Context, enabled bool) {
	s.mu.Lock()
	s.shareOff = !enabled
	s.mu.Unlock()
	s.audit(ctx, "sharing.enable", "*", fmt.Sprintf("enabled=%t", enabled))
}

// SetBundleSharing toggles replication for one owner. Owners default to
// shared.
func (s *Store) SetBundleSharing(ctx context.Context, owner notification.Caller, enabled bool) {
	s.mu.Lock()
	if enabled {
		delete(s.unshared, owner)
	} else {
		s.unshared[owner] = true
	}
	s.mu.Unlock()
	s.audit(ctx, "sharing.bundle", fmt.Sprintf("%s/%d", owner.Bundle, owner.UID), fmt.Sprintf("enabled=%t", enabled))
}

// ReplaceSharing installs the sharing switches from configuration, dropping
// earlier per-owner changes.
func (s *Store) ReplaceSharing(enabled bool, unshared []notification.Caller) {
	next := make(map[notification.Caller]bool, len(unshared))
	for _, o := range unshared {
		next[o] = true
	}
	s.mu.Lock()
	s.shareOff = !enabled
	s.unshared = next
	s.mu.Unlock()
}

// Shared reports whether local records of bundle/uid leave the device.
func (s *Store) Shared(bundle string, uid int32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.shareOff && !s.unshared[notification.Caller{Bundle: bundle, UID: uid}]
}

func (s *Store) SharingEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.shareOff
}

func (s *Store) audit(ctx context.Context, action, target, meta string) {
	if s.persist == nil {
		return
	}
	err := s.persist.AppendAudit(ctx, storage.AuditEntry{At: s.now(), Actor: "admin", Action: action, Target: target, OK: true, Meta: meta})
	if err != nil {
		s.log.Warn("audit append failed", logx.String("action", action), logx.Err(err))
	}
}
