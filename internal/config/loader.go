package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Load builds the configuration from, in order of precedence:
// defaults, an optional config.yaml in the working directory, and
// WEBTIMER_* environment variables (e.g. WEBTIMER_POSTGRES_URL).
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("WEBTIMER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("scheduler.backend", "local")
	v.SetDefault("scheduler.topic", "api-sender")
	v.SetDefault("scheduler.worker_count", 16)
	v.SetDefault("scheduler.scan_interval", 30*time.Second)
	v.SetDefault("scheduler.horizon", 30*time.Second)

	// Registered empty so environment overrides bind without a config
	// file entry.
	v.SetDefault("postgres.url", "")
	v.SetDefault("rabbitmq.url", "")

	v.SetDefault("webhook.timeout", 10*time.Second)

	v.SetDefault("janitor.enabled", false)
	v.SetDefault("janitor.schedule", "0 3 * * *")
	v.SetDefault("janitor.retention", 720*time.Hour)
}
