// Package config loads sendloop configuration from defaults, TOML files and
// SENDLOOP_* environment variables.
package config

import "time"

// Config is the complete sendloop configuration.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Health    HealthConfig    `mapstructure:"health"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Runner    RunnerConfig    `mapstructure:"runner"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Log       LogConfig       `mapstructure:"log"`
}

// DatabaseConfig selects the job store backend.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite3, postgres or pgx
	DSN    string `mapstructure:"dsn"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// SchedulerConfig configures registration and execution.
type SchedulerConfig struct {
	Timezone           string `mapstructure:"timezone"`
	DefaultMaxRetries  int    `mapstructure:"default_max_retries"`
	BackoffBaseSeconds int    `mapstructure:"backoff_base_seconds"`
	BackoffMaxSeconds  int    `mapstructure:"backoff_max_seconds"`
	BatchSize          int    `mapstructure:"batch_size"`
	Concurrency        int    `mapstructure:"concurrency"`
	// PollSchedule drives polls from inside the process (cron expression or
	// "@every 1m"). Empty means an external caller drives polling.
	PollSchedule      string `mapstructure:"poll_schedule"`
	StuckAfterMinutes int    `mapstructure:"stuck_after_minutes"`
}

// HealthConfig configures liveness monitoring of the external poll driver.
type HealthConfig struct {
	StalenessMinutes int `mapstructure:"staleness_minutes"`
	RetentionDays    int `mapstructure:"retention_days"`
}

// AuthConfig holds shared secrets. Empty values are only accepted together
// with the serve command's --insecure flag.
type AuthConfig struct {
	PollToken     string `mapstructure:"poll_token"`
	AdminToken    string `mapstructure:"admin_token"`
	WebhookSecret string `mapstructure:"webhook_secret"`
}

// RunnerConfig points at the workflow execution service.
type RunnerConfig struct {
	URL            string `mapstructure:"url"`
	Token          string `mapstructure:"token"` // bearer token sent to the service
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	AllowPrivate   bool   `mapstructure:"allow_private"`
}

// RedisConfig enables shared webhook delivery dedup. Empty Addr keeps dedup
// in process memory.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// WebhookConfig tunes inbound event handling.
type WebhookConfig struct {
	MaxPerMinute       int `mapstructure:"max_per_minute"`
	DeliveryTTLMinutes int `mapstructure:"delivery_ttl_minutes"`
}

// LogConfig configures the global logger.
type LogConfig struct {
	JSON  bool   `mapstructure:"json"`
	Level string `mapstructure:"level"`
}

// BackoffBase returns the first retry delay.
func (s SchedulerConfig) BackoffBase() time.Duration {
	return time.Duration(s.BackoffBaseSeconds) * time.Second
}

// BackoffMax returns the retry delay cap.
func (s SchedulerConfig) BackoffMax() time.Duration {
	return time.Duration(s.BackoffMaxSeconds) * time.Second
}

// StuckAfter returns how long a job may stay running before cleanup may fail it.
func (s SchedulerConfig) StuckAfter() time.Duration {
	return time.Duration(s.StuckAfterMinutes) * time.Minute
}

// StalenessWindow returns how old the last poll signal may be while healthy.
func (h HealthConfig) StalenessWindow() time.Duration {
	return time.Duration(h.StalenessMinutes) * time.Minute
}

// Retention returns how long poll signals are kept.
func (h HealthConfig) Retention() time.Duration {
	return time.Duration(h.RetentionDays) * 24 * time.Hour
}

// DeliveryTTL returns how long a webhook delivery id is remembered.
func (w WebhookConfig) DeliveryTTL() time.Duration {
	return time.Duration(w.DeliveryTTLMinutes) * time.Minute
}

// RunnerTimeout returns the per-execution HTTP timeout.
func (r RunnerConfig) RunnerTimeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}
