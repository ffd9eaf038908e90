package filter

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"notifd/internal/notification"
)

type DisturbMode uint8

const (
	AllowAll DisturbMode = iota + 1
	AllowNone
	AllowAlarms
	AllowPriority
)

var modeNames = map[DisturbMode]string{AllowAll: "allow_all", AllowNone: "allow_none", AllowAlarms: "allow_alarms", AllowPriority: "allow_priority"}

func (m DisturbMode) String() string { return modeNames[m] }

type DateType uint8

const (
	DateNone DateType = iota
	DateOnce
	DateDaily
	DateClearly
)

var dateNames = map[DateType]string{DateNone: "none", DateOnce: "once", DateDaily: "daily", DateClearly: "clearly"}

func (d DateType) String() string { return dateNames[d] }

// DisturbAction is what happens to intercepted records.
type DisturbAction uint8

const (
	ActionMute DisturbAction = iota + 1
	ActionDefer
	ActionSuppress
)

var actionNames = map[DisturbAction]string{ActionMute: "mute", ActionDefer: "defer", ActionSuppress: "suppress"}

func (a DisturbAction) String() string { return actionNames[a] }

func parseEnum[T comparable](names map[T]string, s string, def T, what string) (T, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return def, nil
	}
	for v, name := range names {
		if name == s {
			return v, nil
		}
	}
	var zero T
	return zero, notification.Validationf("unknown %s %q", what, s)
}

// Clock is a wall-clock time of day.
type Clock struct{ Hour, Minute int }

// DisturbPolicy is the do-not-disturb configuration.
type DisturbPolicy struct {
	Mode DisturbMode
	Type DateType
	// Once and Clearly: absolute window [Begin, End).
	Begin, End time.Time
	// Daily: [DailyBegin, DailyEnd) every day in the filter's location;
	// an end at or before the begin crosses midnight.
	DailyBegin, DailyEnd Clock
	Action               DisturbAction
	PriorityBundles      []string
}

// ParseDisturbPolicy builds a policy from its textual form. Empty mode
// defaults to allow_alarms, empty action to mute.
func ParseDisturbPolicy(mode, typ, begin, end, action string, priority []string) (DisturbPolicy, error) {
	var p DisturbPolicy
	var err error
	if p.Mode, err = parseEnum(modeNames, mode, AllowAlarms, "disturb mode"); err != nil {
		return p, err
	}
	if p.Type, err = parseEnum(dateNames, typ, DateNone, "disturb type"); err != nil {
		return p, err
	}
	if p.Action, err = parseEnum(actionNames, action, ActionMute, "disturb action"); err != nil {
		return p, err
	}
	p.PriorityBundles = slices.Clone(priority)

	switch p.Type {
	case DateOnce, DateClearly:
		if p.Begin, err = time.Parse(time.RFC3339, strings.TrimSpace(begin)); err != nil {
			return p, notification.Validationf("disturb begin: %v", err)
		}
		if p.End, err = time.Parse(time.RFC3339, strings.TrimSpace(end)); err != nil {
			return p, notification.Validationf("disturb end: %v", err)
		}
		if !p.End.After(p.Begin) {
			return p, notification.Validationf("disturb end must be after begin")
		}
	case DateDaily:
		if p.DailyBegin, err = parseClock(begin); err != nil {
			return p, err
		}
		if p.DailyEnd, err = parseClock(end); err != nil {
			return p, err
		}
	}
	return p, nil
}

func parseClock(s string) (Clock, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return Clock{}, notification.Validationf("invalid clock %q (want HH:MM)", s)
	}
	return Clock{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// DisturbFilter applies the do-not-disturb policy.
type DisturbFilter struct {
	base
	slots SlotSource
	now   func() time.Time

	mu         sync.RWMutex
	policy     DisturbPolicy
	loc        *time.Location
	begin, end cron.Schedule // DateDaily only
}

func NewDisturbFilter(slots SlotSource, loc *time.Location, now func() time.Time) *DisturbFilter {
	if loc == nil {
		loc = time.Local
	}
	if now == nil {
		now = time.Now
	}
	return &DisturbFilter{slots: slots, now: now, loc: loc, policy: DisturbPolicy{Mode: AllowAll, Action: ActionMute}}
}

func (*DisturbFilter) Name() string { return "disturb" }

var clockParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// SetPolicy swaps the policy. Callers re-run deferred records afterwards.
func (f *DisturbFilter) SetPolicy(p DisturbPolicy) error {
	var begin, end cron.Schedule
	if p.Type == DateDaily {
		var err error
		if begin, err = clockParser.Parse(fmt.Sprintf("%d %d * * *", p.DailyBegin.Minute, p.DailyBegin.Hour)); err != nil {
			return notification.Validationf("disturb begin: %v", err)
		}
		if end, err = clockParser.Parse(fmt.Sprintf("%d %d * * *", p.DailyEnd.Minute, p.DailyEnd.Hour)); err != nil {
			return notification.Validationf("disturb end: %v", err)
		}
	}
	f.mu.Lock()
	f.policy = p
	f.begin, f.end = begin, end
	f.mu.Unlock()
	return nil
}

// SetLocation moves daily windows to loc (time zone change).
func (f *DisturbFilter) SetLocation(loc *time.Location) {
	if loc == nil {
		return
	}
	f.mu.Lock()
	f.loc = loc
	f.mu.Unlock()
}

func (f *DisturbFilter) Policy() DisturbPolicy {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.policy
}

// Window reports whether t falls inside a do-not-disturb window and when
// that window ends.
func (f *DisturbFilter) Window(t time.Time) (bool, time.Time) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p := f.policy
	if p.Mode == AllowAll {
		return false, time.Time{}
	}
	switch p.Type {
	case DateOnce, DateClearly:
		if !t.Before(p.Begin) && t.Before(p.End) {
			return true, p.End
		}
	case DateDaily:
		// Next is strictly after t, so t inside [begin, end) means the
		// next end comes no later than the next begin.
		lt := t.In(f.loc)
		nextBegin, nextEnd := f.begin.Next(lt), f.end.Next(lt)
		if !nextEnd.After(nextBegin) {
			return true, nextEnd
		}
	}
	return false, time.Time{}
}

func (f *DisturbFilter) OnPublish(_ context.Context, rec *notification.Record) Decision {
	in, until := f.Window(f.now())
	if !in {
		return Allowed()
	}
	p := f.Policy()
	if f.passes(p, rec) {
		return Allowed()
	}
	switch p.Action {
	case ActionDefer:
		return Decision{Verdict: Defer, Reason: "do not disturb until " + until.Format(time.RFC3339), Until: until}
	case ActionSuppress:
		return Decision{Verdict: Suppress, Reason: "do not disturb"}
	default:
		rec.Alert.Silent = true
		rec.Alert.Sound = ""
		rec.Alert.Vibration = false
		rec.Alert.Light = false
		return Allowed()
	}
}

func (f *DisturbFilter) passes(p DisturbPolicy, rec *notification.Record) bool {
	if p.Mode == AllowNone {
		return false
	}
	if slot, ok := f.slots.Slot(rec.Slot); ok && slot.BypassDND {
		return true
	}
	alarm := rec.Classification == notification.ClassAlarm
	switch p.Mode {
	case AllowAlarms:
		return alarm
	case AllowPriority:
		return alarm || slices.Contains(p.PriorityBundles, rec.Identity.Bundle)
	}
	return false
}
