package config

import (
	"reflect"
	"sort"
	"strings"

	"notifd/pkg/logx"
)

// Hot-reloadable sections. Changes elsewhere need a restart.
var hotSections = map[string]bool{
	"logging":   true,
	"timezone":  true,
	"slots":     true,
	"disturb":   true,
	"ratelimit": true,
	"sharing":   true,
	"identity":  true,
	"debug":     true,
}

// SummarizeConfigChange returns the changed section names, safe structured
// attrs for logging (never tokens) and the changed sections that need a
// restart to take effect.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	mark := func(section string, fields ...logx.Field) {
		changed = append(changed, section)
		attrs = append(attrs, fields...)
		if !hotSections[section] {
			restart = append(restart, section)
		}
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}
	if oldCfg.Device.ID != newCfg.Device.ID {
		mark("device", logx.Bool("device.id_set", newCfg.Device.ID != ""))
	}
	if oldCfg.Device.Timezone != newCfg.Device.Timezone {
		mark("timezone", logx.String("device.timezone", newCfg.Device.Timezone))
	}

	var oStore, nStore StorageConfig
	if oldCfg.Storage != nil {
		oStore = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nStore = *newCfg.Storage
	}
	if oStore != nStore {
		mark("storage",
			logx.String("storage.driver", strings.TrimSpace(nStore.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nStore.Path) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Slots, newCfg.Slots) {
		mark("slots", logx.Int("slots.overrides", len(newCfg.Slots)))
	}
	if !reflect.DeepEqual(oldCfg.Disturb, newCfg.Disturb) {
		mark("disturb",
			logx.String("disturb.mode", newCfg.Disturb.Mode),
			logx.String("disturb.type", newCfg.Disturb.Type),
			logx.String("disturb.action", newCfg.Disturb.Action),
		)
	}
	if oldCfg.RateLimit != newCfg.RateLimit {
		mark("ratelimit",
			logx.Bool("ratelimit.enabled", newCfg.RateLimit.Enabled),
			logx.Any("ratelimit.per_bundle_rps", newCfg.RateLimit.PerBundleRPS),
		)
	}
	if oldCfg.Fanout != newCfg.Fanout {
		mark("fanout", logx.Int("fanout.mailbox_size", newCfg.Fanout.MailboxSize))
	}
	if oldCfg.Reminder != newCfg.Reminder {
		mark("reminder", logx.Int("reminder.max_total", newCfg.Reminder.MaxTotal))
	}
	if oldCfg.Sync != newCfg.Sync {
		mark("sync", logx.Bool("sync.enabled", newCfg.Sync.Enabled))
	}
	if !reflect.DeepEqual(oldCfg.Sharing, newCfg.Sharing) {
		mark("sharing",
			logx.Bool("sharing.disabled", newCfg.Sharing.Disabled),
			logx.Int("sharing.unshared", len(newCfg.Sharing.Unshared)),
		)
	}
	if !reflect.DeepEqual(oldCfg.Identity, newCfg.Identity) {
		mark("identity",
			logx.Int("identity.system_uids", len(newCfg.Identity.SystemUIDs)),
			logx.Int("identity.tokens", len(newCfg.Identity.Tokens)),
		)
	}

	oDbg, nDbg := oldCfg.Debug, newCfg.Debug
	oTok, nTok := strings.TrimSpace(oDbg.Token) != "", strings.TrimSpace(nDbg.Token) != ""
	oDbg.Token, nDbg.Token = "", ""
	if oDbg != nDbg || oTok != nTok {
		mark("debug",
			logx.Bool("debug.enabled", nDbg.Enabled),
			logx.String("debug.addr", strings.TrimSpace(nDbg.Addr)),
			logx.Bool("debug.token_set", nTok),
		)
	}

	sort.Strings(changed)
	sort.Strings(restart)
	return changed, attrs, restart
}
