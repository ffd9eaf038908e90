package config

// Config is the on-disk notifd configuration (JSON or YAML).
//
// Durations are Go duration strings ("500ms", "10s", "5m").
// Hot-reloadable sections are re-applied by the app on change: logging,
// device.timezone, slots, disturb, ratelimit, sharing, identity and debug.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Device    DeviceConfig    `json:"device"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Slots     []SlotConfig    `json:"slots,omitempty"`
	Disturb   DisturbConfig   `json:"disturb"`
	RateLimit RateLimitConfig `json:"ratelimit"`
	Fanout    FanoutConfig    `json:"fanout"`
	Reminder  ReminderConfig  `json:"reminder"`
	Sync      SyncConfig      `json:"sync"`
	Sharing   SharingConfig   `json:"sharing"`
	Identity  IdentityConfig  `json:"identity"`
	Debug     DebugConfig     `json:"debug,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards warn+ lines onto the event bus (log.alert).
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// DeviceConfig identifies this device to cooperating devices.
// An empty ID is generated once and persisted in the meta bucket.
type DeviceConfig struct {
	ID       string `json:"id,omitempty"`
	Timezone string `json:"timezone,omitempty"` // IANA name; default: local
}

// StorageConfig controls persistence. Nil or driver "none" disables it.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/notifd.db" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path"`
	BusyTimeout  string `json:"busy_timeout,omitempty"`  // sqlite
	CompactEvery int    `json:"compact_every,omitempty"` // file
}

// SlotConfig overrides one slot of the default table.
type SlotConfig struct {
	Type       string `json:"type"` // social_communication | service_reminder | content_information | other | custom
	Enabled    *bool  `json:"enabled,omitempty"`
	Importance string `json:"importance,omitempty"` // none | min | low | default | high
	Sound      string `json:"sound,omitempty"`
	Vibration  *bool  `json:"vibration,omitempty"`
	Light      *bool  `json:"light,omitempty"`
	BypassDND  *bool  `json:"bypass_dnd,omitempty"`
	Visibility string `json:"visibility,omitempty"` // public | private | secret
}

// DisturbConfig is the do-not-disturb policy.
//
// Date types:
//   - none: never in a window
//   - once, clearly: begin/end are RFC3339 timestamps
//   - daily: begin/end are "HH:MM"; end <= begin crosses midnight
type DisturbConfig struct {
	Mode            string   `json:"mode,omitempty"` // allow_all | allow_none | allow_alarms | allow_priority
	Type            string   `json:"type,omitempty"`
	Begin           string   `json:"begin,omitempty"`
	End             string   `json:"end,omitempty"`
	Action          string   `json:"action,omitempty"` // mute | defer | suppress
	PriorityBundles []string `json:"priority_bundles,omitempty"`
}

type RateLimitConfig struct {
	Enabled      bool    `json:"enabled"`
	PerBundleRPS float64 `json:"per_bundle_rps,omitempty"`
	Burst        int     `json:"burst,omitempty"`
}

type FanoutConfig struct {
	MailboxSize   int     `json:"mailbox_size,omitempty"`
	RetryMax      int     `json:"retry_max,omitempty"`
	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
	MaxFailures   int     `json:"max_failures,omitempty"`
	RatePerSec    float64 `json:"rate_per_sec,omitempty"` // 0: unlimited
}

type ReminderConfig struct {
	MaxPerBundle     int    `json:"max_per_bundle,omitempty"`
	MaxTotal         int    `json:"max_total,omitempty"`
	DefaultSnooze    string `json:"default_snooze,omitempty"`
	DefaultRing      string `json:"default_ring,omitempty"`
	DefaultMaxSnooze int    `json:"default_max_snooze,omitempty"`
	MinInterval      string `json:"min_interval,omitempty"`
	MissedGrace      string `json:"missed_grace,omitempty"`
}

type SyncConfig struct {
	Enabled       bool   `json:"enabled"`
	PerSecond     int    `json:"per_second,omitempty"`
	PerMinute     int    `json:"per_minute,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	InitialSync   bool   `json:"initial_sync"`
}

// SharingConfig selects which local records sync hands to other devices.
// Every owner is shared unless listed in Unshared.
type SharingConfig struct {
	Disabled bool    `json:"disabled,omitempty"`
	Unshared []Owner `json:"unshared,omitempty"`
}

// IdentityConfig drives identity.Static.
type IdentityConfig struct {
	SystemUIDs []int32          `json:"system_uids,omitempty"`
	Tokens     map[string]Owner `json:"tokens,omitempty"`
}

// Owner is what a caller token resolves to.
type Owner struct {
	Bundle string `json:"bundle"`
	UID    int32  `json:"uid"`
}

// DebugConfig controls the optional diagnostics HTTP server (pprof + state
// snapshot). Prefer a loopback address; a non-loopback address needs a
// token or allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: 127.0.0.1:6061
	Prefix        string `json:"prefix,omitempty"` // default: /debug/
	Token         string `json:"token,omitempty"`  // bearer token (never logged)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}
