// Package ratelimit gates outbound provider calls per tenant.
//
// Each tenant gets an independent token bucket, created lazily on first use
// and bounded in count by the tenant population. The refill-then-subtract
// step is atomic per bucket (rate.Limiter locks internally), so concurrent
// workers sending for the same tenant cannot overdraw it.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type BucketConfig struct {
	Capacity     int
	RefillPerSec float64
}

type Config struct {
	Default BucketConfig
	// Overrides sets per-tenant bucket shapes (paid tiers, trial caps).
	Overrides map[string]BucketConfig
}

func (c BucketConfig) normalized() BucketConfig {
	if c.Capacity <= 0 {
		c.Capacity = 10
	}
	if c.RefillPerSec <= 0 {
		c.RefillPerSec = 1
	}
	return c
}

// Decision is the outcome of a Consume call.
//
// A denied decision does not mutate the bucket beyond the time-based refill;
// RetryAfter estimates how long until the requested tokens accrue.
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	buckets map[string]*rate.Limiter
}

func New(cfg Config) *Limiter {
	cfg.Default = cfg.Default.normalized()
	return &Limiter{cfg: cfg, buckets: map[string]*rate.Limiter{}}
}

// Apply swaps the bucket shapes at runtime. Existing buckets are resized in
// place; accrued tokens above the new capacity are clipped by the limiter.
func (l *Limiter) Apply(cfg Config) {
	cfg.Default = cfg.Default.normalized()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg = cfg
	for tenant, b := range l.buckets {
		shape := l.shapeLocked(tenant)
		b.SetLimit(rate.Limit(shape.RefillPerSec))
		b.SetBurst(shape.Capacity)
	}
}

func (l *Limiter) shapeLocked(tenant string) BucketConfig {
	if o, ok := l.cfg.Overrides[tenant]; ok {
		return o.normalized()
	}
	return l.cfg.Default
}

func (l *Limiter) bucket(tenant string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[tenant]
	if !ok {
		shape := l.shapeLocked(tenant)
		b = rate.NewLimiter(rate.Limit(shape.RefillPerSec), shape.Capacity)
		l.buckets[tenant] = b
	}
	return b
}

// Consume attempts to take n tokens from the tenant's bucket.
func (l *Limiter) Consume(tenant string, n int) Decision {
	if n <= 0 {
		n = 1
	}
	b := l.bucket(tenant)
	now := time.Now()
	if b.AllowN(now, n) {
		return Decision{Allowed: true, Remaining: clampTokens(b.TokensAt(now))}
	}

	tokens := clampTokens(b.TokensAt(now))
	refill := float64(b.Limit())
	retry := time.Duration(math.MaxInt64)
	if refill > 0 {
		need := float64(n) - tokens
		if need < 0 {
			need = 0
		}
		retry = time.Duration(need / refill * float64(time.Second))
	}
	return Decision{Allowed: false, Remaining: tokens, RetryAfter: retry}
}

func clampTokens(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
