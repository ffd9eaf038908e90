package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"notifd/pkg/logx"
)

var (
	slotTypes   = set("social_communication", "service_reminder", "content_information", "other", "custom")
	importances = set("", "none", "min", "low", "default", "high")
	visibility  = set("", "public", "private", "secret")
	dndModes    = set("", "allow_all", "allow_none", "allow_alarms", "allow_priority")
	dndTypes    = set("", "none", "once", "daily", "clearly")
	dndActions  = set("", "mute", "defer", "suppress")
	drivers     = set("", "none", "file", "sqlite", "sqlite3", "memory")
)

func set(vs ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(vs))
	for _, v := range vs {
		m[v] = struct{}{}
	}
	return m
}

func oneOf(m map[string]struct{}, v string) bool {
	_, ok := m[strings.ToLower(strings.TrimSpace(v))]
	return ok
}

// Validate checks every section and returns all problems joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	bad := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if !logx.ValidLevel(cfg.Logging.Level) {
		bad("logging.level: unknown level %q", cfg.Logging.Level)
	}
	if cfg.Logging.Alert.Enabled && !logx.ValidLevel(cfg.Logging.Alert.MinLevel) {
		bad("logging.alert.min_level: unknown level %q", cfg.Logging.Alert.MinLevel)
	}

	if tz := strings.TrimSpace(cfg.Device.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			bad("device.timezone: %v", err)
		}
	}

	if s := cfg.Storage; s != nil {
		if !oneOf(drivers, s.Driver) {
			bad("storage.driver: unknown driver %q", s.Driver)
		}
		d := strings.ToLower(strings.TrimSpace(s.Driver))
		if (d == "file" || d == "sqlite" || d == "sqlite3") && strings.TrimSpace(s.Path) == "" {
			bad("storage.path: required for driver %q", d)
		}
		dur("storage.busy_timeout", s.BusyTimeout)
	}

	seen := map[string]bool{}
	for i, sl := range cfg.Slots {
		t := strings.ToLower(strings.TrimSpace(sl.Type))
		if !oneOf(slotTypes, t) {
			bad("slots[%d].type: unknown slot type %q", i, sl.Type)
		}
		if seen[t] {
			bad("slots[%d].type: duplicate slot %q", i, sl.Type)
		}
		seen[t] = true
		if !oneOf(importances, sl.Importance) {
			bad("slots[%d].importance: unknown importance %q", i, sl.Importance)
		}
		if !oneOf(visibility, sl.Visibility) {
			bad("slots[%d].visibility: unknown visibility %q", i, sl.Visibility)
		}
	}

	errs = append(errs, validateDisturb(cfg.Disturb)...)

	if cfg.RateLimit.Enabled && cfg.RateLimit.PerBundleRPS <= 0 {
		bad("ratelimit.per_bundle_rps: must be > 0 when enabled")
	}
	if cfg.RateLimit.Burst < 0 {
		bad("ratelimit.burst: must be >= 0")
	}

	dur("fanout.retry_base", cfg.Fanout.RetryBase)
	dur("fanout.retry_max_delay", cfg.Fanout.RetryMaxDelay)
	if cfg.Fanout.MailboxSize < 0 || cfg.Fanout.RetryMax < 0 || cfg.Fanout.MaxFailures < 0 || cfg.Fanout.RatePerSec < 0 {
		bad("fanout: sizes, limits and rates must be >= 0")
	}

	dur("reminder.default_snooze", cfg.Reminder.DefaultSnooze)
	dur("reminder.default_ring", cfg.Reminder.DefaultRing)
	dur("reminder.min_interval", cfg.Reminder.MinInterval)
	dur("reminder.missed_grace", cfg.Reminder.MissedGrace)
	if cfg.Reminder.MaxPerBundle < 0 || cfg.Reminder.MaxTotal < 0 || cfg.Reminder.DefaultMaxSnooze < 0 {
		bad("reminder: limits must be >= 0")
	}

	dur("sync.retry_base", cfg.Sync.RetryBase)
	dur("sync.retry_max_delay", cfg.Sync.RetryMaxDelay)
	if cfg.Sync.PerSecond < 0 || cfg.Sync.PerMinute < 0 {
		bad("sync: rates must be >= 0")
	}

	for _, o := range cfg.Sharing.Unshared {
		if strings.TrimSpace(o.Bundle) == "" {
			bad("sharing.unshared: bundle must be non-empty")
		}
	}

	for tok, o := range cfg.Identity.Tokens {
		if strings.TrimSpace(tok) == "" || strings.TrimSpace(o.Bundle) == "" {
			bad("identity.tokens: token and bundle must be non-empty")
		}
	}

	if cfg.Debug.Enabled {
		dur("debug.read_timeout", cfg.Debug.ReadTimeout)
		dur("debug.idle_timeout", cfg.Debug.IdleTimeout)
		if addr := strings.TrimSpace(cfg.Debug.Addr); addr != "" {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				bad("debug.addr: %v", err)
			}
		}
	}
	return errors.Join(errs...)
}

func validateDisturb(d DisturbConfig) []error {
	var errs []error
	if !oneOf(dndModes, d.Mode) {
		errs = append(errs, fmt.Errorf("disturb.mode: unknown mode %q", d.Mode))
	}
	if !oneOf(dndActions, d.Action) {
		errs = append(errs, fmt.Errorf("disturb.action: unknown action %q", d.Action))
	}
	if !oneOf(dndTypes, d.Type) {
		errs = append(errs, fmt.Errorf("disturb.type: unknown type %q", d.Type))
		return errs
	}
	switch strings.ToLower(strings.TrimSpace(d.Type)) {
	case "once", "clearly":
		b, err1 := time.Parse(time.RFC3339, strings.TrimSpace(d.Begin))
		e, err2 := time.Parse(time.RFC3339, strings.TrimSpace(d.End))
		if err1 != nil || err2 != nil {
			errs = append(errs, fmt.Errorf("disturb.begin/end: RFC3339 timestamps required for type %q", d.Type))
		} else if !e.After(b) {
			errs = append(errs, errors.New("disturb.end: must be after begin"))
		}
	case "daily":
		if _, _, err := ParseClock(d.Begin); err != nil {
			errs = append(errs, fmt.Errorf("disturb.begin: %w", err))
		}
		if _, _, err := ParseClock(d.End); err != nil {
			errs = append(errs, fmt.Errorf("disturb.end: %w", err))
		}
	}
	return errs
}

// ParseClock parses "HH:MM".
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid clock %q (want HH:MM)", s)
	}
	return t.Hour(), t.Minute(), nil
}
