package config

import "github.com/spf13/viper"

// Default values shared with documentation and tests.
const (
	DefaultPort       = 8787
	DefaultTimezone   = "Asia/Seoul"
	DefaultMaxRetries = 3
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "sendloop.db")

	// Server configuration defaults
	v.SetDefault("server.port", DefaultPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
	})

	// Scheduler defaults
	v.SetDefault("scheduler.timezone", DefaultTimezone)
	v.SetDefault("scheduler.default_max_retries", DefaultMaxRetries)
	v.SetDefault("scheduler.backoff_base_seconds", 60)   // 1m, 2m, 4m ...
	v.SetDefault("scheduler.backoff_max_seconds", 3600)  // never wait more than an hour
	v.SetDefault("scheduler.batch_size", 100)            // due jobs per poll
	v.SetDefault("scheduler.concurrency", 1)             // workflows executed in parallel
	v.SetDefault("scheduler.poll_schedule", "")          // external driver by default
	v.SetDefault("scheduler.stuck_after_minutes", 30)

	// Health defaults
	v.SetDefault("health.staleness_minutes", 5)
	v.SetDefault("health.retention_days", 14)

	// Runner defaults
	v.SetDefault("runner.timeout_seconds", 30)
	v.SetDefault("runner.allow_private", false)

	// Webhook defaults
	v.SetDefault("webhook.max_per_minute", 60)
	v.SetDefault("webhook.delivery_ttl_minutes", 60)

	// Logging defaults
	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("auth.poll_token", "SENDLOOP_AUTH_POLL_TOKEN", "CRON_SECRET")
	v.BindEnv("auth.admin_token", "SENDLOOP_AUTH_ADMIN_TOKEN")
	v.BindEnv("auth.webhook_secret", "SENDLOOP_AUTH_WEBHOOK_SECRET", "WEBHOOK_SECRET")
	v.BindEnv("database.dsn", "SENDLOOP_DATABASE_DSN", "DATABASE_URL")
	v.BindEnv("runner.token", "SENDLOOP_RUNNER_TOKEN")
	v.BindEnv("redis.password", "SENDLOOP_REDIS_PASSWORD")
}
