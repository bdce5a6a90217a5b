package config

import (
	"time"
	_ "time/tzdata" // zone database for hosts without one

	"github.com/robfig/cron/v3"

	"github.com/sendloop/sendloop/db"
	"github.com/sendloop/sendloop/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if _, err := db.DialectForDriver(c.Database.Driver); err != nil {
		return errors.Wrap(err, "database.driver")
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn cannot be empty")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.Newf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		return errors.Wrapf(err, "scheduler.timezone %q is not a known zone", c.Scheduler.Timezone)
	}

	// Zero retries is valid: first failure is terminal
	if c.Scheduler.DefaultMaxRetries < 0 {
		return errors.Newf("scheduler.default_max_retries must be >= 0, got %d", c.Scheduler.DefaultMaxRetries)
	}
	if c.Scheduler.BackoffBaseSeconds <= 0 {
		return errors.Newf("scheduler.backoff_base_seconds must be > 0, got %d", c.Scheduler.BackoffBaseSeconds)
	}
	if c.Scheduler.BackoffMaxSeconds < c.Scheduler.BackoffBaseSeconds {
		return errors.Newf("scheduler.backoff_max_seconds (%d) must be >= backoff_base_seconds (%d)",
			c.Scheduler.BackoffMaxSeconds, c.Scheduler.BackoffBaseSeconds)
	}
	if c.Scheduler.BatchSize <= 0 {
		return errors.Newf("scheduler.batch_size must be > 0, got %d", c.Scheduler.BatchSize)
	}
	if c.Scheduler.Concurrency <= 0 {
		return errors.Newf("scheduler.concurrency must be > 0, got %d", c.Scheduler.Concurrency)
	}
	if c.Scheduler.PollSchedule != "" {
		if _, err := cron.ParseStandard(c.Scheduler.PollSchedule); err != nil {
			return errors.Wrapf(err, "scheduler.poll_schedule %q", c.Scheduler.PollSchedule)
		}
	}
	if c.Scheduler.StuckAfterMinutes <= 0 {
		return errors.Newf("scheduler.stuck_after_minutes must be > 0, got %d", c.Scheduler.StuckAfterMinutes)
	}

	if c.Health.StalenessMinutes <= 0 {
		return errors.Newf("health.staleness_minutes must be > 0, got %d", c.Health.StalenessMinutes)
	}
	if c.Health.RetentionDays <= 0 {
		return errors.Newf("health.retention_days must be > 0, got %d", c.Health.RetentionDays)
	}

	if c.Runner.TimeoutSeconds <= 0 {
		return errors.Newf("runner.timeout_seconds must be > 0, got %d", c.Runner.TimeoutSeconds)
	}

	if c.Webhook.MaxPerMinute < 0 {
		return errors.Newf("webhook.max_per_minute must be >= 0, got %d", c.Webhook.MaxPerMinute)
	}
	if c.Webhook.DeliveryTTLMinutes <= 0 {
		return errors.Newf("webhook.delivery_ttl_minutes must be > 0, got %d", c.Webhook.DeliveryTTLMinutes)
	}

	return nil
}

// RequireSecrets reports missing shared secrets. The serve command calls it
// unless started with --insecure.
func (c *Config) RequireSecrets() error {
	if c.Auth.PollToken == "" {
		return errors.WithHint(errors.New("auth.poll_token is not set"),
			"set SENDLOOP_AUTH_POLL_TOKEN or CRON_SECRET")
	}
	if c.Auth.AdminToken == "" {
		return errors.WithHint(errors.New("auth.admin_token is not set"),
			"set SENDLOOP_AUTH_ADMIN_TOKEN")
	}
	if c.Auth.WebhookSecret == "" {
		return errors.WithHint(errors.New("auth.webhook_secret is not set"),
			"set SENDLOOP_AUTH_WEBHOOK_SECRET or WEBHOOK_SECRET")
	}
	return nil
}
