package app

import (
	"fmt"
	"strings"
	"time"

	"relayhub/internal/config"
	"relayhub/internal/dispatch"
	"relayhub/internal/hub"
	"relayhub/internal/ops"
	"relayhub/internal/queue"
	"relayhub/internal/ratelimit"
	"relayhub/internal/storage"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		// Durable by default; callers opt in to memory explicitly.
		return storage.Config{Driver: "sqlite", Path: "./relayhub.db"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "sqlite", "sqlite3":
		if path == "" {
			path = "./relayhub.db"
		}
		busy, err := config.DurationOr("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "memory":
		return storage.Config{Driver: "memory"}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapQueueConfigs overlays config file overrides onto the built-in per-queue
// defaults. Unknown queue names are rejected so typos surface at reload.
func mapQueueConfigs(cfg *config.Config) (map[string]queue.Config, error) {
	out := map[string]queue.Config{
		queue.InboundEvents: queue.InboundEventsConfig(),
		queue.OutboundSends: queue.OutboundSendsConfig(),
		queue.Campaigns:     queue.CampaignsConfig(),
	}
	if cfg == nil {
		return out, nil
	}
	for name, over := range cfg.Queues {
		base, ok := out[name]
		if !ok {
			return nil, fmt.Errorf("queues.%s: unknown queue", name)
		}
		if over.Workers > 0 {
			base.Workers = over.Workers
		}
		if over.MaxAttempts > 0 {
			base.MaxAttempts = over.MaxAttempts
		}
		var err error
		if base.BackoffBase, err = config.DurationOr("queues."+name+".backoff_base", over.BackoffBase, base.BackoffBase); err != nil {
			return nil, err
		}
		if base.BackoffMax, err = config.DurationOr("queues."+name+".backoff_max", over.BackoffMax, base.BackoffMax); err != nil {
			return nil, err
		}
		if base.PollInterval, err = config.DurationOr("queues."+name+".poll_interval", over.PollInterval, base.PollInterval); err != nil {
			return nil, err
		}
		if base.CompletedRetention, err = config.DurationOr("queues."+name+".completed_retention", over.CompletedRetention, base.CompletedRetention); err != nil {
			return nil, err
		}
		if over.CompletedKeepMax > 0 {
			base.CompletedMax = over.CompletedKeepMax
		}
		if base.FailedRetention, err = config.DurationOr("queues."+name+".failed_retention", over.FailedRetention, base.FailedRetention); err != nil {
			return nil, err
		}
		out[name] = base
	}
	return out, nil
}

func mapRateLimitConfig(cfg *config.Config) ratelimit.Config {
	out := ratelimit.Config{}
	if cfg == nil {
		return out
	}
	out.Default = ratelimit.BucketConfig{
		Capacity:     cfg.RateLimit.Capacity,
		RefillPerSec: cfg.RateLimit.RefillPerSec,
	}
	for tenant, t := range cfg.Tenants {
		if t.RateCapacity <= 0 && t.RateRefillPerSec <= 0 {
			continue
		}
		if out.Overrides == nil {
			out.Overrides = map[string]ratelimit.BucketConfig{}
		}
		b := out.Default
		if t.RateCapacity > 0 {
			b.Capacity = t.RateCapacity
		}
		if t.RateRefillPerSec > 0 {
			b.RefillPerSec = t.RateRefillPerSec
		}
		out.Overrides[tenant] = b
	}
	return out
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	out := dispatch.Config{Enabled: true}
	if cfg == nil || cfg.Dispatch == nil {
		return out, nil
	}
	if cfg.Dispatch.Enabled != nil {
		out.Enabled = *cfg.Dispatch.Enabled
	}
	var err error
	out.SendTimeout, err = config.ParseDuration("dispatch.send_timeout", cfg.Dispatch.SendTimeout)
	return out, err
}

func ingestEnabled(cfg *config.Config) bool {
	if cfg == nil || cfg.Ingest == nil || cfg.Ingest.Enabled == nil {
		return true
	}
	return *cfg.Ingest.Enabled
}

func mapHubConfig(cfg *config.Config) hub.Config {
	if cfg == nil || cfg.Hub == nil {
		return hub.Config{}
	}
	return hub.Config{SessionBuffer: cfg.Hub.SessionBuffer}
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	out := ops.Config{Enabled: true}
	if cfg == nil || cfg.Ops == nil {
		return out, nil
	}
	if cfg.Ops.Enabled != nil {
		out.Enabled = *cfg.Ops.Enabled
	}
	out.Addr = cfg.Ops.Addr
	var err error
	if out.ReadTimeout, err = config.ParseDuration("ops.read_timeout", cfg.Ops.ReadTimeout); err != nil {
		return out, err
	}
	if out.WriteTimeout, err = config.ParseDuration("ops.write_timeout", cfg.Ops.WriteTimeout); err != nil {
		return out, err
	}
	out.IdleTimeout, err = config.ParseDuration("ops.idle_timeout", cfg.Ops.IdleTimeout)
	return out, err
}
