// Package subscriber keeps the set of registered listeners and delivers
// notification events to each of them on its own mailbox and worker.
package subscriber

import (
	"context"
	"errors"
	"time"

	"notifd/internal/notification"
)

// ErrSubscriberGone is returned by a Subscriber that can no longer receive
// events. The registry drops it.
var ErrSubscriberGone = errors.New("subscriber gone")

// Subscriber receives events. Implementations must be comparable (usually a
// pointer) so that re-subscribing the same value is recognized.
type Subscriber interface {
	OnEvent(ctx context.Context, ev notification.Event) error
}

// Func wraps a function as a Subscriber. Subscribe it by pointer.
type Func struct {
	Fn func(ctx context.Context, ev notification.Event) error
}

func (f *Func) OnEvent(ctx context.Context, ev notification.Event) error { return f.Fn(ctx, ev) }

// Info is the subscription filter. An empty bundle set matches everything.
type Info struct {
	Bundles []string
}

// CancelGate tells a worker whether a cancel newer than version was recorded
// for key, in which case the publish event is stale.
type CancelGate interface {
	CanceledSince(key notification.Key, version uint64) bool
}

type Config struct {
	MailboxSize   int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	MaxFailures   int     // consecutive failed deliveries before removal
	RatePerSec    float64 // 0: unlimited
}

func (c Config) withDefaults() Config {
	if c.MailboxSize <= 0 {
		c.MailboxSize = 256
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 200 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 5 * time.Second
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	return c
}

// Stats is the diagnostics view of one subscriber.
type Stats struct {
	Token        string    `json:"token"`
	Bundles      []string  `json:"bundles,omitempty"`
	Alive        bool      `json:"alive"`
	Queued       int       `json:"queued"`
	Delivered    uint64    `json:"delivered"`
	Skipped      uint64    `json:"skipped"`
	Dropped      uint64    `json:"dropped"`
	Failed       uint64    `json:"failed"`
	Failures     int       `json:"consecutive_failures"`
	SubscribedAt time.Time `json:"subscribed_at"`
}
