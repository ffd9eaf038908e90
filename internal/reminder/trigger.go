package reminder

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"notifd/internal/notification"
)

var triggerParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

func validateSpec(s Spec) error {
	if err := s.Template.Content.Validate(); err != nil {
		return err
	}
	if !s.Template.Slot.Valid() {
		return notification.Validationf("unknown slot type %d", s.Template.Slot)
	}
	if (s.MaxSnooze != nil && *s.MaxSnooze < 0) || s.SnoozeInterval < 0 || s.RingDuration < 0 {
		return notification.Validationf("snooze and ring settings must not be negative")
	}
	t := s.Trigger
	for _, d := range t.Weekdays {
		if d < time.Sunday || d > time.Saturday {
			return notification.Validationf("invalid weekday %d", d)
		}
	}
	switch s.Kind {
	case KindTimer:
		if t.Countdown <= 0 {
			return notification.Validationf("timer countdown must be positive")
		}
	case KindAlarm:
		if t.Hour < 0 || t.Hour > 23 || t.Minute < 0 || t.Minute > 59 {
			return notification.Validationf("alarm time %02d:%02d out of range", t.Hour, t.Minute)
		}
	case KindCalendar:
		if t.Date.IsZero() {
			return notification.Validationf("calendar date required")
		}
		for _, m := range t.Months {
			if m < time.January || m > time.December {
				return notification.Validationf("invalid month %d", m)
			}
		}
		for _, d := range t.Days {
			if d < 1 || d > 31 {
				return notification.Validationf("invalid day of month %d", d)
			}
		}
	default:
		return notification.Validationf("unknown reminder kind %d", s.Kind)
	}
	return nil
}

// repeating reports whether the trigger has occurrences after the first.
func repeating(kind Kind, t Trigger) bool {
	switch kind {
	case KindAlarm:
		return len(t.Weekdays) > 0
	case KindCalendar:
		return len(t.Weekdays) > 0 || len(t.Months) > 0 || len(t.Days) > 0
	}
	return false
}

// schedule builds the recurrence rule of a repeating trigger.
func schedule(kind Kind, t Trigger, loc *time.Location) (cron.Schedule, error) {
	var expr string
	switch kind {
	case KindAlarm:
		expr = fmt.Sprintf("%d %d * * %s", t.Minute, t.Hour, list(t.Weekdays))
	case KindCalendar:
		at := t.Date.In(loc)
		dom := list(t.Days)
		if len(t.Days) == 0 && len(t.Weekdays) == 0 {
			dom = strconv.Itoa(at.Day())
		}
		expr = fmt.Sprintf("%d %d %s %s %s", at.Minute(), at.Hour(), dom, list(t.Months), list(t.Weekdays))
	default:
		return nil, fmt.Errorf("kind %s does not repeat", kind)
	}
	sched, err := triggerParser.Parse(expr)
	if err != nil {
		return nil, notification.Validationf("trigger %q: %v", expr, err)
	}
	return sched, nil
}

func list[T ~int](vals []T) string {
	if len(vals) == 0 {
		return "*"
	}
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.Itoa(int(v))
	}
	return strings.Join(parts, ",")
}

// firstTrigger is the first occurrence strictly after now.
func firstTrigger(kind Kind, t Trigger, created, now time.Time, loc *time.Location) (time.Time, error) {
	switch kind {
	case KindTimer:
		return created.Add(t.Countdown), nil
	case KindAlarm:
		if !repeating(kind, t) {
			// One shot: the next time the clock shows Hour:Minute.
			sched, err := triggerParser.Parse(fmt.Sprintf("%d %d * * *", t.Minute, t.Hour))
			if err != nil {
				return time.Time{}, notification.Validationf("alarm: %v", err)
			}
			return sched.Next(now.In(loc)), nil
		}
	case KindCalendar:
		if t.Date.After(now) {
			return t.Date, nil
		}
		if !repeating(kind, t) {
			return time.Time{}, notification.Validationf("calendar date %s is in the past", t.Date.Format(time.RFC3339))
		}
	}
	next, ok, err := nextTrigger(kind, t, now, loc)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return time.Time{}, notification.Validationf("trigger never fires")
	}
	return next, nil
}

// nextTrigger is the next recurrence strictly after after. One-shot
// triggers have none.
func nextTrigger(kind Kind, t Trigger, after time.Time, loc *time.Location) (time.Time, bool, error) {
	if !repeating(kind, t) {
		return time.Time{}, false, nil
	}
	if kind == KindCalendar && t.Date.After(after) {
		return t.Date, true, nil
	}
	sched, err := schedule(kind, t, loc)
	if err != nil {
		return time.Time{}, false, err
	}
	next := sched.Next(after.In(loc))
	if next.IsZero() {
		return time.Time{}, false, nil
	}
	return next, true, nil
}
