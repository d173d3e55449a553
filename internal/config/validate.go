package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateAdmission(); err != nil {
		return err
	}
	if err := c.validateExport(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir must be set")
	}
	if strings.TrimSpace(c.Paths.ExportDir) == "" {
		return errors.New("paths.export_dir must be set")
	}
	return nil
}

func (c *Config) validateQueue() error {
	if c.Queue.RedisURL != "" {
		parsed, err := url.Parse(c.Queue.RedisURL)
		if err != nil {
			return fmt.Errorf("queue.redis_url: %w", err)
		}
		if parsed.Scheme != "redis" && parsed.Scheme != "rediss" {
			return fmt.Errorf("queue.redis_url: unsupported scheme %q", parsed.Scheme)
		}
	}
	if c.Queue.PollInterval <= 0 {
		return errors.New("queue.poll_interval_ms must be positive")
	}
	checks := []struct {
		name  string
		value int
	}{
		{"queue.polling_concurrency", c.Queue.PollingConcurrency},
		{"queue.process_concurrency", c.Queue.ProcessConcurrency},
		{"queue.process_rate_per_minute", c.Queue.ProcessRatePerMinute},
		{"queue.process_attempts", c.Queue.ProcessAttempts},
		{"queue.export_concurrency", c.Queue.ExportConcurrency},
		{"queue.export_rate_per_minute", c.Queue.ExportRatePerMinute},
		{"queue.export_attempts", c.Queue.ExportAttempts},
	}
	for _, check := range checks {
		if check.value <= 0 {
			return fmt.Errorf("%s must be positive", check.name)
		}
	}
	if c.Queue.ShutdownTimeout < 0 {
		return errors.New("queue.shutdown_timeout must be >= 0")
	}
	return nil
}

func (c *Config) validateAdmission() error {
	if c.Admission.GateTimeout <= 0 {
		return errors.New("admission.gate_timeout_seconds must be positive")
	}
	if c.Admission.UserCooldown < 0 {
		return errors.New("admission.user_cooldown_seconds must be >= 0")
	}
	if c.Admission.RateLimitMaxUsers <= 0 {
		return errors.New("admission.rate_limit_max_users must be positive")
	}
	return nil
}

func (c *Config) validateExport() error {
	if c.Export.MaxAssets <= 0 {
		return errors.New("export.max_assets must be positive")
	}
	if c.Export.ProgressGrace < 0 {
		return errors.New("export.progress_grace_seconds must be >= 0")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "auto", "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}
