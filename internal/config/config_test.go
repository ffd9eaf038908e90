package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
device:
  id: dev-a
storage:
  driver: sqlite
  path: ./data/notifd.db
slots:
  - type: social_communication
    importance: high
    bypass_dnd: true
disturb:
  mode: allow_alarms
  type: daily
  begin: "22:00"
  end: "07:00"
  action: defer
ratelimit:
  enabled: true
  per_bundle_rps: 5
  burst: 10
reminder:
  missed_grace: 2m
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestParseYAML(t *testing.T) {
	m := NewConfigManager(writeFile(t, "notifd.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "dev-a", cfg.Device.ID)
	require.NotNil(t, cfg.Storage)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	require.Len(t, cfg.Slots, 1)
	require.NotNil(t, cfg.Slots[0].BypassDND)
	assert.True(t, *cfg.Slots[0].BypassDND)
	assert.Equal(t, "22:00", cfg.Disturb.Begin)
	assert.Equal(t, 5.0, cfg.RateLimit.PerBundleRPS)
	assert.Same(t, cfg, m.Get())
}

func TestParseRejectsUnknownFields(t *testing.T) {
	m := NewConfigManager(writeFile(t, "notifd.json", `{"logging":{"level":"info"},"telegram":{}}`))
	_, err := m.Parse()
	assert.Error(t, err)
}

func TestParseRejectsTrailingData(t *testing.T) {
	m := NewConfigManager(writeFile(t, "notifd.json", `{}{}`))
	_, err := m.Parse()
	assert.Error(t, err)
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := &Config{
		Logging:   LoggingConfig{Level: "chatty"},
		Slots:     []SlotConfig{{Type: "bogus"}, {Type: "other"}, {Type: "other"}},
		Disturb:   DisturbConfig{Type: "daily", Begin: "25:00", End: "07:00", Action: "explode"},
		RateLimit: RateLimitConfig{Enabled: true},
		Reminder:  ReminderConfig{MissedGrace: "-1s"},
	}
	err := Validate(cfg)
	require.Error(t, err)
	for _, want := range []string{"logging.level", "slots[0].type", "duplicate slot", "disturb.begin", "disturb.action", "ratelimit.per_bundle_rps", "reminder.missed_grace"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidateOnceWindow(t *testing.T) {
	cfg := &Config{Disturb: DisturbConfig{Type: "once", Begin: "2026-01-02T10:00:00Z", End: "2026-01-02T09:00:00Z"}}
	assert.ErrorContains(t, Validate(cfg), "must be after begin")

	cfg.Disturb.End = "2026-01-02T11:00:00Z"
	assert.NoError(t, Validate(cfg))
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NOTIFD_LOG_LEVEL", "warn")
	t.Setenv("NOTIFD_STORAGE_DRIVER", "memory")
	t.Setenv("NOTIFD_SYNC_ENABLED", "true")

	cfg := &Config{Logging: LoggingConfig{Level: "debug"}}
	require.NoError(t, ApplyEnv(cfg))
	assert.Equal(t, "warn", cfg.Logging.Level)
	require.NotNil(t, cfg.Storage)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.True(t, cfg.Sync.Enabled)
	assert.Empty(t, cfg.Device.ID)
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg := &Config{Disturb: DisturbConfig{Mode: "allow_all"}, Debug: DebugConfig{Token: "a"}}
	newCfg := &Config{
		Disturb: DisturbConfig{Mode: "allow_none"},
		Debug:   DebugConfig{Token: "b"},
		Sync:    SyncConfig{Enabled: true},
		Sharing: SharingConfig{Unshared: []Owner{{Bundle: "com.private", UID: 100}}},
	}

	changed, attrs, restart := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"disturb", "sharing", "sync"}, changed, "a rotated token alone is not a visible change")
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"sync"}, restart)
}

func TestWatchPublishesValidatedReload(t *testing.T) {
	path := writeFile(t, "notifd.json", `{"logging":{"level":"info"}}`)
	m := NewConfigManager(path)
	m.debounce = 10 * time.Millisecond
	_, err := m.Load()
	require.NoError(t, err)

	m.SetValidator(func(_ context.Context, cfg *Config) error { return nil })
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	// Give the watcher a moment to register before writing.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"debug"}}`), 0o600))
		select {
		case cfg := <-ch:
			assert.Equal(t, "debug", cfg.Logging.Level)
			return
		case <-tick.C:
		case <-deadline:
			t.Fatal("no reload published")
		}
	}
}
