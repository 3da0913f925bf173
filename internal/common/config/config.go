// Package config provides configuration management for agentdeck.
// It supports loading configuration from environment variables, a config
// file, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for agentdeck.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP/WebSocket server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds the SQLite database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// EngineConfig holds session and task execution engine configuration.
type EngineConfig struct {
	// AssistantBin is the assistant CLI binary to spawn for each turn.
	AssistantBin string `mapstructure:"assistantBin"`

	// SkillsConfigPath points at the JSON/YAML skills + tool-plugin file.
	SkillsConfigPath string `mapstructure:"skillsConfigPath"`

	// MaxSubprocessMS is the hard per-subprocess timeout in milliseconds.
	MaxSubprocessMS int `mapstructure:"maxSubprocessMs"`

	// MaxTaskWorkers caps concurrent independent (sessionless) tasks.
	MaxTaskWorkers int `mapstructure:"maxTaskWorkers"`

	// MaxAutoContinues caps silent auto-continuation of a turn.
	MaxAutoContinues int `mapstructure:"maxAutoContinues"`

	// TaskRetryLimit caps chain-task retries before cancellation.
	TaskRetryLimit int `mapstructure:"taskRetryLimit"`

	// SchedulerIntervalSeconds is the periodic scheduler tick.
	SchedulerIntervalSeconds int `mapstructure:"schedulerIntervalSeconds"`

	// IdleEvictionMinutes evicts turns with no connected subscriber.
	IdleEvictionMinutes int `mapstructure:"idleEvictionMinutes"`

	// AskTimeoutMinutes bounds how long an ask_user question stays open.
	AskTimeoutMinutes int `mapstructure:"askTimeoutMinutes"`

	// SessionTTLDays controls background session garbage collection.
	SessionTTLDays int `mapstructure:"sessionTtlDays"`

	// CleanupIntervalHours is how often the store maintenance loop runs.
	CleanupIntervalHours int `mapstructure:"cleanupIntervalHours"`

	// LoopbackHost binds the internal tool-plugin HTTP listener.
	LoopbackHost string `mapstructure:"loopbackHost"`
	LoopbackPort int    `mapstructure:"loopbackPort"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// SubprocessTimeout returns the per-subprocess hard timeout.
func (e *EngineConfig) SubprocessTimeout() time.Duration {
	return time.Duration(e.MaxSubprocessMS) * time.Millisecond
}

// SchedulerInterval returns the periodic scheduler tick interval.
func (e *EngineConfig) SchedulerInterval() time.Duration {
	return time.Duration(e.SchedulerIntervalSeconds) * time.Second
}

// IdleEviction returns how long an unwatched turn may keep running.
func (e *EngineConfig) IdleEviction() time.Duration {
	return time.Duration(e.IdleEvictionMinutes) * time.Minute
}

// AskTimeout returns how long an ask_user question stays open.
func (e *EngineConfig) AskTimeout() time.Duration {
	return time.Duration(e.AskTimeoutMinutes) * time.Minute
}

// SessionTTL returns the session garbage collection age threshold.
func (e *EngineConfig) SessionTTL() time.Duration {
	return time.Duration(e.SessionTTLDays) * 24 * time.Hour
}

// CleanupInterval returns the store maintenance interval.
func (e *EngineConfig) CleanupInterval() time.Duration {
	return time.Duration(e.CleanupIntervalHours) * time.Hour
}

// detectDefaultLogFormat returns json for production-like environments and
// text for terminal use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTDECK_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.path", "agentdeck.db")

	// Empty URL means use the in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentdeck")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("engine.assistantBin", "assistant")
	v.SetDefault("engine.skillsConfigPath", "")
	v.SetDefault("engine.maxSubprocessMs", 1_800_000) // 30 minutes
	v.SetDefault("engine.maxTaskWorkers", 5)
	v.SetDefault("engine.maxAutoContinues", 3)
	v.SetDefault("engine.taskRetryLimit", 2)
	v.SetDefault("engine.schedulerIntervalSeconds", 15)
	v.SetDefault("engine.idleEvictionMinutes", 30)
	v.SetDefault("engine.askTimeoutMinutes", 5)
	v.SetDefault("engine.sessionTtlDays", 30)
	v.SetDefault("engine.cleanupIntervalHours", 24)
	v.SetDefault("engine.loopbackHost", "127.0.0.1")
	v.SetDefault("engine.loopbackPort", 0) // 0 = pick a free port

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix AGENTDECK_ with snake_case
// naming; the engine knobs additionally honor their bare legacy names.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTDECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion, so the
	// engine knobs are bound explicitly (bare name first for compatibility).
	_ = v.BindEnv("engine.maxSubprocessMs", "MAX_SUBPROCESS_MS", "AGENTDECK_ENGINE_MAX_SUBPROCESS_MS")
	_ = v.BindEnv("engine.maxTaskWorkers", "MAX_TASK_WORKERS", "AGENTDECK_ENGINE_MAX_TASK_WORKERS")
	_ = v.BindEnv("engine.sessionTtlDays", "SESSION_TTL_DAYS", "AGENTDECK_ENGINE_SESSION_TTL_DAYS")
	_ = v.BindEnv("engine.cleanupIntervalHours", "CLEANUP_INTERVAL_HOURS", "AGENTDECK_ENGINE_CLEANUP_INTERVAL_HOURS")
	_ = v.BindEnv("engine.assistantBin", "AGENTDECK_ASSISTANT_BIN")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentdeck/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if cfg.Engine.AssistantBin == "" {
		errs = append(errs, "engine.assistantBin is required")
	}
	if cfg.Engine.MaxSubprocessMS <= 0 {
		errs = append(errs, "engine.maxSubprocessMs must be positive")
	}
	if cfg.Engine.MaxTaskWorkers <= 0 {
		errs = append(errs, "engine.maxTaskWorkers must be positive")
	}
	if cfg.Engine.SchedulerIntervalSeconds <= 0 {
		errs = append(errs, "engine.schedulerIntervalSeconds must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
