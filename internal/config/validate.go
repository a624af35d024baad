package config

import (
	"fmt"
	"strings"
)

// Validate checks durations and value ranges without touching any runtime
// state. Watch() installs it as the pre-commit validator so a bad edit never
// reaches subscribers.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
	}

	if cfg.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "", "sqlite", "memory":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
		}
		if err := checkDurations(cfg.Storage.durationFields()); err != nil {
			return err
		}
	}

	for name, q := range cfg.Queues {
		prefix := "queues." + name
		if q.Workers < 0 {
			return fmt.Errorf("%s.workers: must be >= 0", prefix)
		}
		if q.MaxAttempts < 0 {
			return fmt.Errorf("%s.max_attempts: must be >= 0", prefix)
		}
		if err := checkDurations(q.durationFields(prefix)); err != nil {
			return err
		}
	}

	if cfg.RateLimit.Capacity < 0 {
		return fmt.Errorf("rate_limit.capacity: must be >= 0")
	}
	if cfg.RateLimit.RefillPerSec < 0 {
		return fmt.Errorf("rate_limit.refill_per_sec: must be >= 0")
	}
	for tenant, t := range cfg.Tenants {
		if t.RateCapacity < 0 || t.RateRefillPerSec < 0 {
			return fmt.Errorf("tenants.%s: rate overrides must be >= 0", tenant)
		}
	}

	if cfg.Dispatch != nil {
		if err := checkDurations(cfg.Dispatch.durationFields()); err != nil {
			return err
		}
	}
	if cfg.Ops != nil {
		if err := checkDurations(cfg.Ops.durationFields()); err != nil {
			return err
		}
	}
	if cfg.Hub != nil && cfg.Hub.SessionBuffer < 0 {
		return fmt.Errorf("hub.session_buffer: must be >= 0")
	}
	return nil
}
