package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// envOverrides are the NOTIFD_* variables. Unset variables leave the file
// value alone.
type envOverrides struct {
	LogLevel      *string `env:"NOTIFD_LOG_LEVEL"`
	DeviceID      *string `env:"NOTIFD_DEVICE_ID"`
	Timezone      *string `env:"NOTIFD_TIMEZONE"`
	StorageDriver *string `env:"NOTIFD_STORAGE_DRIVER"`
	StoragePath   *string `env:"NOTIFD_STORAGE_PATH"`
	SyncEnabled   *bool   `env:"NOTIFD_SYNC_ENABLED"`
	DebugEnabled  *bool   `env:"NOTIFD_DEBUG_ENABLED"`
	DebugAddr     *string `env:"NOTIFD_DEBUG_ADDR"`
	DebugToken    *string `env:"NOTIFD_DEBUG_TOKEN"`
}

// ApplyEnv overlays NOTIFD_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	set := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	set(&cfg.Logging.Level, ov.LogLevel)
	set(&cfg.Device.ID, ov.DeviceID)
	set(&cfg.Device.Timezone, ov.Timezone)
	if ov.StorageDriver != nil || ov.StoragePath != nil {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{}
		}
		set(&cfg.Storage.Driver, ov.StorageDriver)
		set(&cfg.Storage.Path, ov.StoragePath)
	}
	if ov.SyncEnabled != nil {
		cfg.Sync.Enabled = *ov.SyncEnabled
	}
	if ov.DebugEnabled != nil {
		cfg.Debug.Enabled = *ov.DebugEnabled
	}
	set(&cfg.Debug.Addr, ov.DebugAddr)
	set(&cfg.Debug.Token, ov.DebugToken)
	return nil
}
