// Package config loads engine configuration from defaults, an optional
// YAML config file, and SATCHEL_-prefixed environment variables, in
// increasing order of precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable of the sync engine and its surfaces.
type Config struct {
	// DBPath is the embedded SQLite database location.
	DBPath string `mapstructure:"db_path"`
	// QuotaBytes bounds local storage; 0 disables the quota.
	QuotaBytes int64 `mapstructure:"quota_bytes"`

	// RetryCeiling excludes an item from automatic drains after this many
	// failed attempts.
	RetryCeiling int `mapstructure:"retry_ceiling"`
	// BackoffBase and BackoffMax bound the pre-attempt wait.
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
	// Retention is how long synced items are kept before the sweep.
	Retention time.Duration `mapstructure:"retention"`

	// PrefetchTTL is the minimum interval between snapshot refreshes.
	PrefetchTTL time.Duration `mapstructure:"prefetch_ttl"`
	// ProfilesPath optionally overrides the built-in role profiles.
	ProfilesPath string `mapstructure:"profiles_path"`

	// TickInterval is the connectivity monitor's periodic wake-up.
	TickInterval time.Duration `mapstructure:"tick_interval"`
	// OnlineMarkerPath is the host-runtime connectivity marker file.
	OnlineMarkerPath string `mapstructure:"online_marker_path"`

	// StatsInterval is the stats refresh cadence.
	StatsInterval time.Duration `mapstructure:"stats_interval"`
	// DashboardAddr is the stats WebSocket listen address; empty disables
	// the dashboard.
	DashboardAddr string `mapstructure:"dashboard_addr"`

	// RemoteBaseURL is the institution API base URL.
	RemoteBaseURL string `mapstructure:"remote_base_url"`

	// LogPath enables rotated file logging for the daemon; empty logs to
	// stderr.
	LogPath string `mapstructure:"log_path"`
}

// Load reads configuration. path may be empty, in which case only
// defaults and environment variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("db_path", ".satchel/satchel.db")
	v.SetDefault("quota_bytes", int64(256*1024*1024))
	v.SetDefault("retry_ceiling", 5)
	v.SetDefault("backoff_base", time.Second)
	v.SetDefault("backoff_max", 30*time.Second)
	v.SetDefault("retention", 24*time.Hour)
	v.SetDefault("prefetch_ttl", 2*time.Hour)
	v.SetDefault("profiles_path", "")
	v.SetDefault("tick_interval", time.Minute)
	v.SetDefault("online_marker_path", ".satchel/online")
	v.SetDefault("stats_interval", 30*time.Second)
	v.SetDefault("dashboard_addr", "")
	v.SetDefault("remote_base_url", "")
	v.SetDefault("log_path", "")

	v.SetEnvPrefix("SATCHEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.RetryCeiling <= 0 {
		return fmt.Errorf("retry_ceiling must be positive")
	}
	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("backoff_base must be positive and backoff_max >= backoff_base")
	}
	if c.Retention <= 0 {
		return fmt.Errorf("retention must be positive")
	}
	if c.PrefetchTTL <= 0 {
		return fmt.Errorf("prefetch_ttl must be positive")
	}
	return nil
}
