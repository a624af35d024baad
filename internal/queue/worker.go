package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"relayhub/internal/metrics"
	"relayhub/internal/storage"
	logx "relayhub/pkg/logx"
)

func (m *Manager) runWorker(ctx context.Context, stopCh <-chan struct{}, reg *registration) error {
	tick := time.NewTicker(reg.cfg.PollInterval)
	defer tick.Stop()

	for {
		// Fast-exit check so a closed stopCh wins over available work.
		select {
		case <-ctx.Done():
			return nil
		case <-stopCh:
			return nil
		default:
		}

		j, err := m.store.ClaimJob(ctx, reg.cfg.Name, m.now())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.log.Warn("claim failed", logx.String("queue", reg.cfg.Name), logx.Any("err", err))
			j = nil
		}
		if j == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-stopCh:
				return nil
			case <-tick.C:
			}
			continue
		}

		m.execOne(ctx, reg, j)
	}
}

// runRelease moves delayed retries whose backoff elapsed back to waiting.
func (m *Manager) runRelease(ctx context.Context, stopCh <-chan struct{}, reg *registration) error {
	tick := time.NewTicker(reg.cfg.PollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stopCh:
			return nil
		case <-tick.C:
		}

		n, err := m.store.ReleaseDue(ctx, reg.cfg.Name, m.now())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.log.Warn("release failed", logx.String("queue", reg.cfg.Name), logx.Any("err", err))
			continue
		}
		if n > 0 {
			m.log.Debug("retries released", logx.String("queue", reg.cfg.Name), logx.Int("count", n))
		}
	}
}

func (m *Manager) execOne(ctx context.Context, reg *registration, j *storage.Job) {
	start := m.now()

	m.log.Debug("job started",
		logx.String("queue", j.Queue), logx.String("job", j.ID),
		logx.String("key", j.Key), logx.Int("attempt", j.Attempt))

	err := safeHandle(ctx, reg.handler, j)

	dur := m.now().Sub(start)
	metrics.JobDuration.WithLabelValues(j.Queue).Observe(dur.Seconds())

	if err == nil {
		if cerr := m.store.CompleteJob(ctx, j.ID, m.now()); cerr != nil {
			m.log.Error("complete write failed", logx.String("queue", j.Queue), logx.String("job", j.ID), logx.Any("err", cerr))
			return
		}
		metrics.JobsCompleted.WithLabelValues(j.Queue).Inc()
		m.log.Debug("job completed",
			logx.String("queue", j.Queue), logx.String("job", j.ID),
			logx.Duration("dur", dur), logx.Int("attempt", j.Attempt))
		return
	}

	// Terminal: handler opted out of retries, or attempts are spent.
	var nr noRetryError
	terminal := errors.As(err, &nr) || j.Attempt >= j.MaxAttempts
	if terminal {
		m.failJob(ctx, reg, j, err)
		return
	}

	delay := m.retryDelay(m.queueCfg(reg), j.Attempt, err)
	availableAt := m.now().Add(delay)
	if rerr := m.store.RetryJob(ctx, j.ID, j.Attempt, availableAt, err.Error()); rerr != nil {
		m.log.Error("retry write failed", logx.String("queue", j.Queue), logx.String("job", j.ID), logx.Any("err", rerr))
		return
	}
	metrics.JobsRetried.WithLabelValues(j.Queue).Inc()
	m.log.Debug("job retry scheduled",
		logx.String("queue", j.Queue), logx.String("job", j.ID),
		logx.Int("next_attempt", j.Attempt+1), logx.Duration("delay", delay), logx.Any("err", err))
}

func (m *Manager) failJob(ctx context.Context, reg *registration, j *storage.Job, cause error) {
	if ferr := m.store.FailJob(ctx, j.ID, cause.Error(), m.now()); ferr != nil {
		m.log.Error("fail write failed", logx.String("queue", j.Queue), logx.String("job", j.ID), logx.Any("err", ferr))
		return
	}
	metrics.JobsFailed.WithLabelValues(j.Queue).Inc()
	m.log.Error("job failed",
		logx.String("queue", j.Queue), logx.String("job", j.ID),
		logx.String("key", j.Key), logx.Int("attempt", j.Attempt), logx.Any("err", cause))

	if reg.exhausted != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("exhausted hook panicked",
						logx.String("queue", j.Queue), logx.String("job", j.ID),
						logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			reg.exhausted(ctx, j, cause)
		}()
	}
}

// retryDelay computes the wait before the next attempt: an explicit
// RetryAfter hint when present, otherwise base * 2^(attempt-1), both capped
// at BackoffMax.
func (m *Manager) retryDelay(cfg Config, attempt int, err error) time.Duration {
	var ra RetryAfterError
	if errors.As(err, &ra) {
		d := ra.RetryAfter()
		if d < 0 {
			d = 0
		}
		if d > cfg.BackoffMax {
			d = cfg.BackoffMax
		}
		return d
	}

	d := cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.BackoffMax {
			return cfg.BackoffMax
		}
	}
	return d
}

// safeHandle converts handler panics to errors so one bad job cannot kill a
// worker permanently.
func safeHandle(ctx context.Context, h Handler, j *storage.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h.Handle(ctx, j)
}
