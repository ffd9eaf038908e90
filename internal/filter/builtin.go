package filter

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"notifd/internal/notification"
)

// SlotSource is the part of the record store the slot filter reads.
type SlotSource interface {
	Slot(t notification.SlotType) (notification.Slot, bool)
}

// SlotFilter copies the slot's alert settings onto the record and suppresses
// records whose slot is disabled (remote records skip the publish-time
// check).
type SlotFilter struct {
	base
	Slots SlotSource
}

func (SlotFilter) Name() string { return "slot" }

func (f SlotFilter) OnPublish(_ context.Context, rec *notification.Record) Decision {
	slot, ok := f.Slots.Slot(rec.Slot)
	if !ok || !slot.Enabled {
		return Decision{Verdict: Suppress, Reason: "slot " + rec.Slot.String() + " disabled"}
	}
	rec.Alert = notification.Alert{
		Sound:      slot.Sound,
		Vibration:  slot.Vibration,
		Light:      slot.Light,
		Visibility: slot.Visibility,
	}
	return Allowed()
}

type BundleSource interface {
	BundleEnabled(bundle string) bool
}

// PermissionFilter suppresses bundles whose notifications are turned off.
type PermissionFilter struct {
	base
	Bundles BundleSource
}

func (PermissionFilter) Name() string { return "permission" }

func (f PermissionFilter) OnPublish(_ context.Context, rec *notification.Record) Decision {
	if !f.Bundles.BundleEnabled(rec.Identity.Bundle) {
		return Decision{Verdict: Suppress, Reason: "notifications disabled for " + rec.Identity.Bundle}
	}
	return Allowed()
}

// EchoFilter suppresses remote records that originated on this device.
type EchoFilter struct {
	base
	DeviceID string
}

func (EchoFilter) Name() string { return "echo" }

func (f EchoFilter) OnPublish(_ context.Context, rec *notification.Record) Decision {
	if rec.Origin != "" && rec.Origin == f.DeviceID {
		return Decision{Verdict: Suppress, Reason: "echo of local record"}
	}
	return Allowed()
}

// RateLimitFilter applies a per-bundle token bucket. Reminder firings are
// exempt.
type RateLimitFilter struct {
	base

	mu       sync.Mutex
	enabled  bool
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func NewRateLimitFilter(enabled bool, perSecond float64, burst int) *RateLimitFilter {
	f := &RateLimitFilter{}
	f.Apply(enabled, perSecond, burst)
	return f
}

func (*RateLimitFilter) Name() string { return "ratelimit" }

// Apply replaces the limits. Existing buckets start over.
func (f *RateLimitFilter) Apply(enabled bool, perSecond float64, burst int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = enabled && perSecond > 0
	f.limit = rate.Limit(perSecond)
	f.burst = max(1, burst)
	f.limiters = map[string]*rate.Limiter{}
}

func (f *RateLimitFilter) OnPublish(_ context.Context, rec *notification.Record) Decision {
	if rec.ReminderID != 0 {
		return Allowed()
	}
	f.mu.Lock()
	if !f.enabled {
		f.mu.Unlock()
		return Allowed()
	}
	lim := f.limiters[rec.Identity.Bundle]
	if lim == nil {
		lim = rate.NewLimiter(f.limit, f.burst)
		f.limiters[rec.Identity.Bundle] = lim
	}
	f.mu.Unlock()
	if !lim.Allow() {
		return Decision{Verdict: Suppress, Reason: "rate limited"}
	}
	return Allowed()
}
