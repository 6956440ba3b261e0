// Package config loads and validates orchestrator configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Sessions  SessionsConfig  `mapstructure:"sessions"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
	// AgentKey authenticates worker agents separately from operators.
	AgentKey string `mapstructure:"agent_key"`
}

// WorkersConfig governs liveness detection for scraper agents.
type WorkersConfig struct {
	HeartbeatSeconds   int `mapstructure:"heartbeat_seconds"`
	LivenessMultiplier int `mapstructure:"liveness_multiplier"`
	MailboxDepth       int `mapstructure:"mailbox_depth"`
}

// QueueConfig governs command queue behavior.
type QueueConfig struct {
	MaxWaitMinutes int `mapstructure:"max_wait_minutes"`
}

// SessionsConfig governs session watchdog and back-fill behavior.
type SessionsConfig struct {
	WatchdogMinutes      int `mapstructure:"watchdog_minutes"`
	BackfillGraceSeconds int `mapstructure:"backfill_grace_seconds"`
}

// SchedulerConfig governs cron evaluation.
type SchedulerConfig struct {
	TickSeconds int `mapstructure:"tick_seconds"`
}

// StorageConfig selects where screenshot blobs land.
type StorageConfig struct {
	// Provider is one of memory, local, gcs.
	Provider  string `mapstructure:"provider"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// DBConfig controls access to the relational database. An empty DSN keeps
// sessions in memory.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// PubSubConfig holds metadata for terminal-session notifications. An empty
// project keeps publishes in memory.
type PubSubConfig struct {
	ProjectID     string `mapstructure:"project_id"`
	TerminalTopic string `mapstructure:"terminal_topic"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ORCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("workers.heartbeat_seconds", 10)
	v.SetDefault("workers.liveness_multiplier", 2)
	v.SetDefault("workers.mailbox_depth", 16)
	v.SetDefault("queue.max_wait_minutes", 30)
	v.SetDefault("sessions.watchdog_minutes", 10)
	v.SetDefault("sessions.backfill_grace_seconds", 30)
	v.SetDefault("scheduler.tick_seconds", 30)
	v.SetDefault("storage.provider", "memory")
	v.SetDefault("pubsub.terminal_topic", "sessions.terminal")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Workers.HeartbeatSeconds <= 0 {
		return fmt.Errorf("workers.heartbeat_seconds must be > 0")
	}
	if c.Workers.LivenessMultiplier <= 0 {
		return fmt.Errorf("workers.liveness_multiplier must be > 0")
	}
	if c.Queue.MaxWaitMinutes <= 0 {
		return fmt.Errorf("queue.max_wait_minutes must be > 0")
	}
	if c.Sessions.WatchdogMinutes <= 0 {
		return fmt.Errorf("sessions.watchdog_minutes must be > 0")
	}
	switch c.Storage.Provider {
	case "memory":
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local provider")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs provider")
		}
	default:
		return fmt.Errorf("storage.provider must be one of memory, local, gcs")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// HeartbeatInterval converts the heartbeat knob into a duration.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Workers.HeartbeatSeconds) * time.Second
}

// MaxQueueWait converts the queue wait knob into a duration.
func (c Config) MaxQueueWait() time.Duration {
	return time.Duration(c.Queue.MaxWaitMinutes) * time.Minute
}

// WatchdogTimeout converts the watchdog knob into a duration.
func (c Config) WatchdogTimeout() time.Duration {
	return time.Duration(c.Sessions.WatchdogMinutes) * time.Minute
}

// BackfillGrace converts the back-fill knob into a duration.
func (c Config) BackfillGrace() time.Duration {
	return time.Duration(c.Sessions.BackfillGraceSeconds) * time.Second
}

// SchedulerTick converts the scheduler tick knob into a duration.
func (c Config) SchedulerTick() time.Duration {
	return time.Duration(c.Scheduler.TickSeconds) * time.Second
}
