// Package config loads the portal configuration and the profile/node
// definitions the connection engine works from.
package config

import (
	"log/slog"
	"time"

	"github.com/creamcroissant/vpnportal/internal/support/logging"
)

// Config aggregates the application configuration.
type Config struct {
	HTTP         HTTPConfig         `mapstructure:"http"`
	Log          LogConfig          `mapstructure:"log"`
	DB           DBConfig           `mapstructure:"database"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Portal       PortalConfig       `mapstructure:"portal"`
	Node         NodeConfig         `mapstructure:"node"`
	CA           CAConfig           `mapstructure:"ca"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Housekeeping HousekeepingConfig `mapstructure:"housekeeping"`
	Hooks        HooksConfig        `mapstructure:"hooks"`
}

// HTTPConfig defines the ops API listener.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig defines logging behaviour.
type LogConfig struct {
	Level     string `mapstructure:"level"`
	Format    string `mapstructure:"format"`
	AddSource bool   `mapstructure:"add_source"`
}

// SlogLevel maps the configured level string onto slog.
func (c LogConfig) SlogLevel() slog.Level {
	return logging.ParseLevel(c.Level)
}

// DBConfig defines the shared SQLite database.
type DBConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

// AuthConfig defines the ops API token verification.
type AuthConfig struct {
	SigningKey string        `mapstructure:"signing_key"`
	TokenTTL   time.Duration `mapstructure:"token_ttl"`
	Issuer     string        `mapstructure:"issuer"`
}

// PortalConfig identifies this portal among the processes sharing the
// database and points at the profile definitions.
type PortalConfig struct {
	Number       int64  `mapstructure:"number"`
	ProfilesPath string `mapstructure:"profiles_path"`
}

// NodeConfig defines how the portal talks to node daemons.
type NodeConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	AuthToken string        `mapstructure:"auth_token"`
}

// CAConfig defines where the certificate authority keeps its material.
type CAConfig struct {
	Dir  string `mapstructure:"dir"`
	Name string `mapstructure:"name"`
}

// MetricsConfig toggles the Prometheus endpoint and HTTP metrics.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// HousekeepingConfig defines the cron schedules and retention windows of
// the background jobs.
type HousekeepingConfig struct {
	ExpirySchedule     string        `mapstructure:"expiry_schedule"`
	PeerSyncSchedule   string        `mapstructure:"peer_sync_schedule"`
	StatsSchedule      string        `mapstructure:"stats_schedule"`
	RollupSchedule     string        `mapstructure:"rollup_schedule"`
	LogRetention       time.Duration `mapstructure:"log_retention"`
	LiveRetention      time.Duration `mapstructure:"live_retention"`
	StaleOpenRetention time.Duration `mapstructure:"stale_open_retention"`
}

// HooksConfig configures the optional external connection script.
type HooksConfig struct {
	ScriptPath string `mapstructure:"script_path"`
}
