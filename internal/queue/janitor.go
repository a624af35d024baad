package queue

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"relayhub/internal/metrics"
	"relayhub/internal/storage"
	logx "relayhub/pkg/logx"
)

type jobJanitor struct {
	cron *cron.Cron
}

// startJanitor schedules the retention sweeps: terminal jobs past their
// queue's retention window (or count cap) are purged, and queue depth gauges
// are refreshed for scraping.
func (m *Manager) startJanitor(regs []*registration) {
	c := cron.New()

	_, _ = c.AddFunc("@every 5m", func() { m.sweep(regs) })
	_, _ = c.AddFunc("@every 15s", func() { m.refreshDepthGauges(regs) })

	c.Start()

	m.mu.Lock()
	m.janitor.cron = c
	m.mu.Unlock()
}

func (m *Manager) stopJanitor() {
	m.mu.Lock()
	c := m.janitor.cron
	m.janitor.cron = nil
	m.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

func (m *Manager) sweep(regs []*registration) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := m.now()
	for _, reg := range regs {
		cfg := m.queueCfg(reg)
		if n, err := m.store.PurgeFinished(ctx, cfg.Name, storage.JobCompleted, now.Add(-cfg.CompletedRetention), cfg.CompletedMax); err != nil {
			m.log.Warn("completed purge failed", logx.String("queue", cfg.Name), logx.Any("err", err))
		} else if n > 0 {
			m.log.Debug("completed jobs purged", logx.String("queue", cfg.Name), logx.Int("count", n))
		}

		if n, err := m.store.PurgeFinished(ctx, cfg.Name, storage.JobFailed, now.Add(-cfg.FailedRetention), 0); err != nil {
			m.log.Warn("failed purge failed", logx.String("queue", cfg.Name), logx.Any("err", err))
		} else if n > 0 {
			m.log.Debug("failed jobs purged", logx.String("queue", cfg.Name), logx.Int("count", n))
		}
	}
}

func (m *Manager) refreshDepthGauges(regs []*registration) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	states := []storage.JobState{
		storage.JobWaiting, storage.JobActive, storage.JobDelayed,
		storage.JobCompleted, storage.JobFailed,
	}
	for _, reg := range regs {
		counts, err := m.store.QueueStats(ctx, reg.cfg.Name)
		if err != nil {
			continue
		}
		for _, st := range states {
			metrics.QueueDepth.WithLabelValues(reg.cfg.Name, string(st)).Set(float64(counts[st]))
		}
	}
}
