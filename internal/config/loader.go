package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Load reads the portal configuration from defaults, an optional yaml file
// and VPNPORTAL_-prefixed environment variables, in that order.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/vpnportal/")

	v.SetEnvPrefix("VPNPORTAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Missing config file is fine, envs and defaults still apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", "127.0.0.1:8686")
	v.SetDefault("http.shutdown_timeout", "15s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "data/vpnportal.db")

	v.SetDefault("auth.signing_key", "")
	v.SetDefault("auth.token_ttl", "1h")
	v.SetDefault("auth.issuer", "vpnportal")

	v.SetDefault("portal.number", 1)
	v.SetDefault("portal.profiles_path", "profiles.yaml")

	v.SetDefault("node.timeout", "10s")
	v.SetDefault("node.auth_token", "")

	v.SetDefault("ca.dir", "data/ca")
	v.SetDefault("ca.name", "VPN Portal CA")

	v.SetDefault("metrics.enabled", true)

	v.SetDefault("housekeeping.expiry_schedule", "@every 5m")
	v.SetDefault("housekeeping.peer_sync_schedule", "@every 3m")
	v.SetDefault("housekeeping.stats_schedule", "@every 5m")
	v.SetDefault("housekeeping.rollup_schedule", "5 0 * * *")
	v.SetDefault("housekeeping.log_retention", "720h")
	v.SetDefault("housekeeping.live_retention", "168h")
	v.SetDefault("housekeeping.stale_open_retention", "2160h")
}
