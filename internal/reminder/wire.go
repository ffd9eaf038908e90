package reminder

import (
	"fmt"
	"time"

	"notifd/internal/codec"
	"notifd/internal/notification"
)

const reminderWireVersion = 1

type wireReminder struct {
	_              struct{} `cbor:",toarray"`
	Version        uint8
	ID             int32
	Bundle         string
	UID            int32
	Kind           Kind
	Countdown      int64 // ms
	Hour           int
	Minute         int
	Weekdays       []time.Weekday
	Date           int64 // unix ms, 0 when unset
	Months         []time.Month
	Days           []int
	State          State
	SnoozeCount    int
	MaxSnooze      int
	SnoozeInterval int64 // ms
	RingDuration   int64 // ms
	NextAt         int64 // unix ms
	CreatedAt      int64
	FiredAt        int64
	NotificationID int32
	Slot           notification.SlotType
	Content        notification.Content
	Classification string
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func encodeReminder(r *Reminder) ([]byte, error) {
	return codec.Marshal(wireReminder{
		Version:        reminderWireVersion,
		ID:             r.ID,
		Bundle:         r.Owner.Bundle,
		UID:            r.Owner.UID,
		Kind:           r.Kind,
		Countdown:      r.Trigger.Countdown.Milliseconds(),
		Hour:           r.Trigger.Hour,
		Minute:         r.Trigger.Minute,
		Weekdays:       r.Trigger.Weekdays,
		Date:           unixMilli(r.Trigger.Date),
		Months:         r.Trigger.Months,
		Days:           r.Trigger.Days,
		State:          r.State,
		SnoozeCount:    r.SnoozeCount,
		MaxSnooze:      r.MaxSnooze,
		SnoozeInterval: r.SnoozeInterval.Milliseconds(),
		RingDuration:   r.RingDuration.Milliseconds(),
		NextAt:         unixMilli(r.NextAt),
		CreatedAt:      unixMilli(r.CreatedAt),
		FiredAt:        unixMilli(r.FiredAt),
		NotificationID: r.Template.NotificationID,
		Slot:           r.Template.Slot,
		Content:        r.Template.Content,
		Classification: r.Template.Classification,
	})
}

func decodeReminder(b []byte) (*Reminder, error) {
	var w wireReminder
	if err := codec.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("%w: %w", notification.ErrStateCorruption, err)
	}
	if w.Version != reminderWireVersion {
		return nil, fmt.Errorf("%w: reminder wire version %d", notification.ErrStateCorruption, w.Version)
	}
	r := &Reminder{
		ID:    w.ID,
		Owner: notification.Caller{Bundle: w.Bundle, UID: w.UID},
		Kind:  w.Kind,
		Trigger: Trigger{
			Countdown: time.Duration(w.Countdown) * time.Millisecond,
			Hour:      w.Hour,
			Minute:    w.Minute,
			Weekdays:  w.Weekdays,
			Date:      fromMilli(w.Date),
			Months:    w.Months,
			Days:      w.Days,
		},
		State:          w.State,
		SnoozeCount:    w.SnoozeCount,
		MaxSnooze:      w.MaxSnooze,
		SnoozeInterval: time.Duration(w.SnoozeInterval) * time.Millisecond,
		RingDuration:   time.Duration(w.RingDuration) * time.Millisecond,
		NextAt:         fromMilli(w.NextAt),
		CreatedAt:      fromMilli(w.CreatedAt),
		FiredAt:        fromMilli(w.FiredAt),
		Template: Template{
			NotificationID: w.NotificationID,
			Slot:           w.Slot,
			Content:        w.Content,
			Classification: w.Classification,
		},
	}
	switch {
	case r.ID <= 0:
		return nil, fmt.Errorf("%w: reminder id %d", notification.ErrStateCorruption, r.ID)
	case r.State != StateScheduled && r.State != StateFiring && r.State != StateSnoozed:
		return nil, fmt.Errorf("%w: reminder %d in state %s", notification.ErrStateCorruption, r.ID, r.State)
	case r.NextAt.IsZero():
		return nil, fmt.Errorf("%w: reminder %d has no pending time", notification.ErrStateCorruption, r.ID)
	}
	spec := Spec{Kind: r.Kind, Trigger: r.Trigger, MaxSnooze: &r.MaxSnooze, Template: r.Template}
	if err := validateSpec(spec); err != nil {
		return nil, fmt.Errorf("%w: reminder %d: %w", notification.ErrStateCorruption, r.ID, err)
	}
	return r, nil
}
