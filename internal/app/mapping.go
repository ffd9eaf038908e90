package app

import (
	"fmt"
	"strings"
	"time"

	"notifd/internal/config"
	"notifd/internal/distributed"
	"notifd/internal/filter"
	"notifd/internal/notification"
	"notifd/internal/observability/debug"
	"notifd/internal/reminder"
	"notifd/internal/storage"
	"notifd/internal/subscriber"
	"notifd/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Alert.Enabled,
			MinLevel:   cfg.Logging.Alert.MinLevel,
			RatePerSec: cfg.Logging.Alert.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "memory":
		return storage.Config{Driver: driver}, true, nil
	case "file":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: driver, Path: path, CompactEvery: sc.CompactEvery}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
		if err != nil {
			return storage.Config{}, false, err
		}
		if busy == 0 {
			busy = time.Second
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func loadLocation(cfg *config.Config) (*time.Location, error) {
	tz := strings.TrimSpace(cfg.Device.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("device.timezone: %w", err)
	}
	return loc, nil
}

// mapSlots overlays the configured slots on the default table.
func mapSlots(cfg *config.Config) (map[notification.SlotType]notification.Slot, error) {
	table := notification.DefaultSlots()
	for i, sc := range cfg.Slots {
		t, err := notification.ParseSlotType(sc.Type)
		if err != nil {
			return nil, fmt.Errorf("slots[%d]: %w", i, err)
		}
		slot := table[t]
		if sc.Enabled != nil {
			slot.Enabled = *sc.Enabled
		}
		if strings.TrimSpace(sc.Importance) != "" {
			if slot.Importance, err = notification.ParseImportance(sc.Importance); err != nil {
				return nil, fmt.Errorf("slots[%d]: %w", i, err)
			}
		}
		if strings.TrimSpace(sc.Visibility) != "" {
			if slot.Visibility, err = notification.ParseVisibility(sc.Visibility); err != nil {
				return nil, fmt.Errorf("slots[%d]: %w", i, err)
			}
		}
		if sc.Sound != "" {
			slot.Sound = sc.Sound
		}
		if sc.Vibration != nil {
			slot.Vibration = *sc.Vibration
		}
		if sc.Light != nil {
			slot.Light = *sc.Light
		}
		if sc.BypassDND != nil {
			slot.BypassDND = *sc.BypassDND
		}
		table[t] = slot
	}
	return table, nil
}

// mapDisturb returns AllowAll when no mode is configured.
func mapDisturb(cfg *config.Config) (filter.DisturbPolicy, error) {
	d := cfg.Disturb
	if strings.TrimSpace(d.Mode) == "" && strings.TrimSpace(d.Type) == "" {
		return filter.DisturbPolicy{Mode: filter.AllowAll, Action: filter.ActionMute}, nil
	}
	p, err := filter.ParseDisturbPolicy(d.Mode, d.Type, d.Begin, d.End, d.Action, d.PriorityBundles)
	if err != nil {
		return p, fmt.Errorf("disturb: %w", err)
	}
	return p, nil
}

func mapFanout(cfg *config.Config) subscriber.Config {
	f := cfg.Fanout
	return subscriber.Config{
		MailboxSize:   f.MailboxSize,
		RetryMax:      f.RetryMax,
		RetryBase:     config.DurationOr(f.RetryBase, 0),
		RetryMaxDelay: config.DurationOr(f.RetryMaxDelay, 0),
		MaxFailures:   f.MaxFailures,
		RatePerSec:    f.RatePerSec,
	}
}

func mapReminder(cfg *config.Config) reminder.Config {
	r := cfg.Reminder
	return reminder.Config{
		MaxPerBundle:     r.MaxPerBundle,
		MaxTotal:         r.MaxTotal,
		DefaultSnooze:    config.DurationOr(r.DefaultSnooze, 0),
		DefaultRing:      config.DurationOr(r.DefaultRing, 0),
		DefaultMaxSnooze: r.DefaultMaxSnooze,
		MinInterval:      config.DurationOr(r.MinInterval, 0),
		MissedGrace:      config.DurationOr(r.MissedGrace, 0),
	}
}

func mapSync(cfg *config.Config, deviceID string) distributed.Config {
	s := cfg.Sync
	return distributed.Config{
		DeviceID:      deviceID,
		PerSecond:     s.PerSecond,
		PerMinute:     s.PerMinute,
		RetryBase:     config.DurationOr(s.RetryBase, 0),
		RetryMaxDelay: config.DurationOr(s.RetryMaxDelay, 0),
		InitialSync:   s.InitialSync,
	}
}

func mapDebug(cfg *config.Config) debug.Config {
	d := cfg.Debug
	return debug.Config{
		Enabled:       d.Enabled,
		Addr:          strings.TrimSpace(d.Addr),
		Prefix:        strings.TrimSpace(d.Prefix),
		Token:         d.Token,
		AllowInsecure: d.AllowInsecure,
		ReadTimeout:   config.DurationOr(d.ReadTimeout, 0),
		IdleTimeout:   config.DurationOr(d.IdleTimeout, 0),
	}
}

func mapSharing(cfg *config.Config) (enabled bool, unshared []notification.Caller) {
	for _, o := range cfg.Sharing.Unshared {
		unshared = append(unshared, notification.Caller{Bundle: strings.TrimSpace(o.Bundle), UID: o.UID})
	}
	return !cfg.Sharing.Disabled, unshared
}

func mapTokens(cfg *config.Config) map[string]notification.Caller {
	out := make(map[string]notification.Caller, len(cfg.Identity.Tokens))
	for tok, o := range cfg.Identity.Tokens {
		out[tok] = notification.Caller{Bundle: o.Bundle, UID: o.UID}
	}
	return out
}

// checkRuntime maps every section that config.Validate cannot fully check
// on its own. Used at startup and before a reload is committed.
func checkRuntime(cfg *config.Config) error {
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := loadLocation(cfg); err != nil {
		return err
	}
	if _, err := mapSlots(cfg); err != nil {
		return err
	}
	if _, err := mapDisturb(cfg); err != nil {
		return err
	}
	return nil
}
