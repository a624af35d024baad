package config

type Config struct {
	Logging   LoggingConfig          `json:"logging"`
	Storage   *StorageConfig         `json:"storage,omitempty"`
	Queues    map[string]QueueConfig `json:"queues,omitempty"`
	RateLimit RateLimitConfig        `json:"rate_limit"`

	// Worker/server sections are pointers so "omitted" (default enabled)
	// can be told apart from an explicit enabled=false.
	Dispatch *DispatchConfig         `json:"dispatch,omitempty"`
	Ingest   *IngestConfig           `json:"ingest,omitempty"`
	Hub      *HubConfig              `json:"hub,omitempty"`
	Ops      *OpsConfig              `json:"ops,omitempty"`
	Tenants  map[string]TenantConfig `json:"tenants,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./relayhub.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// QueueConfig overrides tunables for a named queue. Zero fields keep
// the built-in defaults for that queue.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type QueueConfig struct {
	Workers      int    `json:"workers,omitempty"`
	MaxAttempts  int    `json:"max_attempts,omitempty"`
	BackoffBase  string `json:"backoff_base,omitempty"`
	BackoffMax   string `json:"backoff_max,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`

	CompletedRetention string `json:"completed_retention,omitempty"`
	CompletedKeepMax   int    `json:"completed_keep_max,omitempty"`
	FailedRetention    string `json:"failed_retention,omitempty"`
}

// RateLimitConfig controls the per-tenant token buckets.
//
// Defaults (when fields are omitted/zero):
//   - capacity: 10
//   - refill_per_sec: 1
type RateLimitConfig struct {
	Capacity     int     `json:"capacity,omitempty"`
	RefillPerSec float64 `json:"refill_per_sec,omitempty"`
}

// TenantConfig holds per-tenant overrides. Zero fields fall back to the
// global rate_limit section.
type TenantConfig struct {
	RateCapacity     int     `json:"rate_capacity,omitempty"`
	RateRefillPerSec float64 `json:"rate_refill_per_sec,omitempty"`
}

type DispatchConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	// SendTimeout bounds a single provider call. Go duration string.
	SendTimeout string `json:"send_timeout,omitempty"`
}

type IngestConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
}

type HubConfig struct {
	Enabled       *bool `json:"enabled,omitempty"`
	SessionBuffer int   `json:"session_buffer,omitempty"`
}

// OpsConfig controls the operator HTTP server (health, queue stats,
// replay, Prometheus metrics).
type OpsConfig struct {
	Enabled *bool  `json:"enabled,omitempty"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8090"

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
