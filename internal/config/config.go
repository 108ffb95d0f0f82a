package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config contains all application configuration values.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	RabbitMQ  RabbitMQConfig  `mapstructure:"rabbitmq"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Janitor   JanitorConfig   `mapstructure:"janitor"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"  validate:"oneof=trace debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

type SchedulerConfig struct {
	// Backend selects the scheduling strategy: local (in-process
	// timers) or distributed (store subscription + message queue).
	Backend string `mapstructure:"backend" validate:"oneof=local distributed"`

	// Topic is the logical queue name; one scheduler instance
	// processes one topic.
	Topic string `mapstructure:"topic" validate:"required"`

	// WorkerCount bounds concurrent handler invocations.
	WorkerCount int `mapstructure:"worker_count" validate:"min=1"`

	// ScanInterval is how often the distributed backend reconciles
	// unprocessed records from the store.
	ScanInterval time.Duration `mapstructure:"scan_interval"`

	// Horizon is the near-future window within which records are
	// handed to the transport. Must be >= ScanInterval so nothing
	// slips between scans.
	Horizon time.Duration `mapstructure:"horizon"`
}

type PostgresConfig struct {
	URL string `mapstructure:"url" validate:"required"`
}

type RabbitMQConfig struct {
	URL string `mapstructure:"url"`
}

type WebhookConfig struct {
	Timeout time.Duration `mapstructure:"timeout" validate:"min=1ms"`
}

type JanitorConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Schedule is a cron expression controlling when executed records
	// past the retention period are purged.
	Schedule  string        `mapstructure:"schedule"`
	Retention time.Duration `mapstructure:"retention"`
}

// Validate checks field constraints plus the cross-field rules the
// distributed backend depends on.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	if c.Scheduler.Backend == "distributed" {
		if c.RabbitMQ.URL == "" {
			return fmt.Errorf("rabbitmq.url is required for the distributed backend")
		}
		if c.Scheduler.ScanInterval <= 0 {
			return fmt.Errorf("scheduler.scan_interval must be positive for the distributed backend")
		}
		if c.Scheduler.Horizon < c.Scheduler.ScanInterval {
			return fmt.Errorf("scheduler.horizon (%s) must be >= scheduler.scan_interval (%s)",
				c.Scheduler.Horizon, c.Scheduler.ScanInterval)
		}
	}

	if c.Janitor.Enabled {
		if c.Janitor.Schedule == "" {
			return fmt.Errorf("janitor.schedule is required when the janitor is enabled")
		}
		if c.Janitor.Retention <= 0 {
			return fmt.Errorf("janitor.retention must be positive when the janitor is enabled")
		}
	}

	return nil
}
