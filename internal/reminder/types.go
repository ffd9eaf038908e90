// Package reminder schedules timer, alarm and calendar reminders and turns
// each firing into a notification publish.
package reminder

import (
	"context"
	"fmt"
	"slices"
	"time"

	"notifd/internal/notification"
)

type Kind uint8

const (
	KindTimer Kind = iota + 1
	KindAlarm
	KindCalendar
)

func (k Kind) String() string {
	switch k {
	case KindTimer:
		return "timer"
	case KindAlarm:
		return "alarm"
	case KindCalendar:
		return "calendar"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

type State uint8

const (
	StateIdle State = iota
	StateScheduled
	StateFiring
	StateSnoozed
	StateExpired
	StateCancelled
)

var stateNames = [...]string{"idle", "scheduled", "firing", "snoozed", "expired", "cancelled"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Terminal states are never persisted.
func (s State) Terminal() bool { return s == StateExpired || s == StateCancelled }

// Trigger describes when a reminder fires. Which fields apply depends on
// the reminder kind:
//
//	Timer:    Countdown from creation, one shot.
//	Alarm:    Hour:Minute; repeats on Weekdays, one shot when empty.
//	Calendar: first at Date, then repeats on Months/Days/Weekdays.
type Trigger struct {
	Countdown time.Duration

	Hour, Minute int
	Weekdays     []time.Weekday

	Date   time.Time
	Months []time.Month
	Days   []int
}

func (t Trigger) clone() Trigger {
	t.Weekdays = slices.Clone(t.Weekdays)
	t.Months = slices.Clone(t.Months)
	t.Days = slices.Clone(t.Days)
	return t
}

// Template is the notification a firing publishes.
type Template struct {
	NotificationID int32
	Slot           notification.SlotType
	Content        notification.Content
	Classification string
}

// Spec is a reminder as requested by an application.
type Spec struct {
	Kind           Kind
	Trigger        Trigger
	MaxSnooze      *int          // nil: configured default; 0: no snoozing
	SnoozeInterval time.Duration // 0: configured default
	RingDuration   time.Duration // 0: configured default
	Template       Template
}

// Reminder is the scheduler's view of one reminder. Values returned by the
// scheduler are copies.
type Reminder struct {
	ID             int32
	Owner          notification.Caller
	Kind           Kind
	Trigger        Trigger
	State          State
	SnoozeCount    int
	MaxSnooze      int
	SnoozeInterval time.Duration
	RingDuration   time.Duration
	// NextAt is the single pending time: the next trigger while Scheduled,
	// the snooze end while Snoozed, the ring end while Firing.
	NextAt    time.Time
	CreatedAt time.Time
	FiredAt   time.Time
	Template  Template

	gen uint64
}

func (r *Reminder) clone() Reminder {
	cp := *r
	cp.Trigger = r.Trigger.clone()
	cp.Template.Content = r.Template.Content.Clone()
	return cp
}

// Identity of the notification this reminder publishes.
func (r *Reminder) Identity() notification.Identity {
	return notification.NewIdentity(r.Owner.Bundle, r.Owner.UID, r.Template.NotificationID).WithLabel(notification.ReminderLabel)
}

func (r *Reminder) request() notification.Request {
	label := notification.ReminderLabel
	return notification.Request{
		ID:             r.Template.NotificationID,
		Label:          &label,
		Content:        r.Template.Content.Clone(),
		Slot:           r.Template.Slot,
		Classification: r.Template.Classification,
		ReminderID:     r.ID,
	}
}

// Sink turns reminder firings into notifications. The broker implements it.
type Sink interface {
	Fire(ctx context.Context, owner notification.Caller, req notification.Request) (notification.Result, error)
	Dismiss(ctx context.Context, id notification.Identity, reason notification.CancelReason) error
}

type Config struct {
	MaxPerBundle     int
	MaxTotal         int
	DefaultSnooze    time.Duration
	DefaultRing      time.Duration
	DefaultMaxSnooze int
	MinInterval      time.Duration
	MissedGrace      time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxPerBundle <= 0 {
		c.MaxPerBundle = 30
	}
	if c.MaxTotal <= 0 {
		c.MaxTotal = 2000
	}
	if c.MinInterval <= 0 {
		c.MinInterval = 5 * time.Minute
	}
	if c.DefaultSnooze <= 0 {
		c.DefaultSnooze = c.MinInterval
	}
	if c.DefaultRing <= 0 {
		c.DefaultRing = time.Minute
	}
	if c.DefaultMaxSnooze < 0 {
		c.DefaultMaxSnooze = 0
	}
	if c.MissedGrace <= 0 {
		c.MissedGrace = time.Minute
	}
	return c
}
