package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration-typed fields across the config are Go duration strings ("500ms",
// "2s", "1m"). An empty field keeps the owning component's default.

// ParseDuration parses one optional duration field. path names the field in
// error messages ("queues.outbound-sends.backoff_base").
func ParseDuration(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// DurationOr is ParseDuration with a fallback for omitted fields.
func DurationOr(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDuration(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Each section enumerates its duration-typed fields so Validate can sweep
// them uniformly; mapping into component configs re-parses with defaults.

func (s *StorageConfig) durationFields() map[string]string {
	return map[string]string{"storage.busy_timeout": s.BusyTimeout}
}

func (q QueueConfig) durationFields(prefix string) map[string]string {
	return map[string]string{
		prefix + ".backoff_base":        q.BackoffBase,
		prefix + ".backoff_max":         q.BackoffMax,
		prefix + ".poll_interval":       q.PollInterval,
		prefix + ".completed_retention": q.CompletedRetention,
		prefix + ".failed_retention":    q.FailedRetention,
	}
}

func (d *DispatchConfig) durationFields() map[string]string {
	return map[string]string{"dispatch.send_timeout": d.SendTimeout}
}

func (o *OpsConfig) durationFields() map[string]string {
	return map[string]string{
		"ops.read_timeout":  o.ReadTimeout,
		"ops.write_timeout": o.WriteTimeout,
		"ops.idle_timeout":  o.IdleTimeout,
	}
}

func checkDurations(fields map[string]string) error {
	for path, raw := range fields {
		if _, err := ParseDuration(path, raw); err != nil {
			return err
		}
	}
	return nil
}
