// Package queue runs the durable, named job queues behind the dispatch
// pipeline: keyed dedupe on enqueue, priority + FIFO claim order, per-queue
// retry/backoff, retention sweeps, and per-state stats.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"relayhub/internal/metrics"
	rtsup "relayhub/internal/runtime/supervisor"
	"relayhub/internal/storage"
	logx "relayhub/pkg/logx"
)

// The pipeline's three queues.
const (
	InboundEvents = "inbound-events"
	OutboundSends = "outbound-sends"
	Campaigns     = "campaigns"
)

// Config shapes one named queue. Retention applies to terminal jobs only;
// non-terminal jobs are never purged.
type Config struct {
	Name         string
	Workers      int
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	PollInterval time.Duration

	CompletedRetention time.Duration
	CompletedMax       int
	FailedRetention    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 5 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 15 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.CompletedRetention <= 0 {
		c.CompletedRetention = 7 * 24 * time.Hour
	}
	if c.CompletedMax <= 0 {
		c.CompletedMax = 10_000
	}
	if c.FailedRetention <= 0 {
		c.FailedRetention = 30 * 24 * time.Hour
	}
	return c
}

// InboundEventsConfig returns the webhook-processing queue shape.
func InboundEventsConfig() Config {
	return Config{
		Name:        InboundEvents,
		MaxAttempts: 5,
		BackoffBase: 2 * time.Second,
	}.withDefaults()
}

// OutboundSendsConfig returns the provider-send queue shape.
func OutboundSendsConfig() Config {
	return Config{
		Name:        OutboundSends,
		MaxAttempts: 3,
		BackoffBase: 5 * time.Second,
	}.withDefaults()
}

// CampaignsConfig returns the bulk-campaign queue shape.
func CampaignsConfig() Config {
	return Config{
		Name:               Campaigns,
		MaxAttempts:        3,
		BackoffBase:        10 * time.Second,
		CompletedRetention: 30 * 24 * time.Hour,
		CompletedMax:       5_000,
	}.withDefaults()
}

// Handler processes one claimed job. Returning nil completes the job; an
// error schedules a retry unless wrapped with NoRetry or attempts ran out.
type Handler interface {
	Handle(ctx context.Context, job *storage.Job) error
}

type HandlerFunc func(ctx context.Context, job *storage.Job) error

func (f HandlerFunc) Handle(ctx context.Context, job *storage.Job) error { return f(ctx, job) }

// ExhaustedFunc runs once when a job goes terminally Failed (NoRetry or
// attempt ceiling). Handlers use it to fail the domain entity the job was
// carrying.
type ExhaustedFunc func(ctx context.Context, job *storage.Job, cause error)

type registration struct {
	cfg       Config
	handler   Handler
	exhausted ExhaustedFunc
}

type RegisterOption func(*registration)

func WithExhausted(fn ExhaustedFunc) RegisterOption {
	return func(r *registration) { r.exhausted = fn }
}

// EnqueueOptions tune a single enqueue call.
type EnqueueOptions struct {
	Priority int
	Delay    time.Duration
	// StrictUnique turns key collisions into ErrDuplicateJob instead of the
	// default silent coalesce.
	StrictUnique bool
}

// Manager owns the queue runtimes: one claim/execute worker pool per queue, a
// release loop for delayed retries, and the retention janitor.
type Manager struct {
	mu     sync.Mutex
	store  storage.Store
	log    logx.Logger
	queues map[string]*registration

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}
	stopped  bool

	janitor jobJanitor

	now func() time.Time
}

func NewManager(store storage.Store, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		store:  store,
		log:    log,
		queues: map[string]*registration{},
		now:    time.Now,
	}
}

// Register installs a queue and its handler. Must be called before Start.
func (m *Manager) Register(cfg Config, h Handler, opts ...RegisterOption) {
	cfg = cfg.withDefaults()
	reg := &registration{cfg: cfg, handler: h}
	for _, o := range opts {
		o(reg)
	}
	m.mu.Lock()
	m.queues[cfg.Name] = reg
	m.mu.Unlock()
}

// ApplyQueue updates a registered queue's tunables at runtime. Backoff,
// attempt ceiling, and retention changes take effect immediately; Workers and
// PollInterval changes need a restart (worker pools are sized at Start).
func (m *Manager) ApplyQueue(name string, cfg Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.queues[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}
	cfg.Name = name
	cfg.Workers = reg.cfg.Workers
	cfg.PollInterval = reg.cfg.PollInterval
	reg.cfg = cfg.withDefaults()
	return nil
}

// queueCfg snapshots a registration's config under the manager lock.
func (m *Manager) queueCfg(reg *registration) Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return reg.cfg
}

// Enqueue admits a job. While a non-terminal job with the same key exists in
// the queue, the existing job is returned with created semantics suppressed
// (or ErrDuplicateJob under StrictUnique). Delay pushes the first execution
// into the future. After Stop the manager refuses new work with ErrStopped.
func (m *Manager) Enqueue(ctx context.Context, queueName, key string, payload any, opt EnqueueOptions) (*storage.Job, error) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil, ErrStopped
	}
	reg, ok := m.queues[queueName]
	var maxAttempts int
	if ok {
		maxAttempts = reg.cfg.MaxAttempts
	}
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	now := m.now()
	j := &storage.Job{
		ID:          uuid.NewString(),
		Queue:       queueName,
		Key:         key,
		Payload:     body,
		Priority:    opt.Priority,
		MaxAttempts: maxAttempts,
		State:       storage.JobWaiting,
		EnqueuedAt:  now,
		AvailableAt: now.Add(opt.Delay),
	}

	out, created, err := m.store.EnqueueJob(ctx, j)
	if err != nil {
		return nil, err
	}
	if !created {
		if opt.StrictUnique {
			return out, ErrDuplicateJob
		}
		m.log.Debug("enqueue coalesced", logx.String("queue", queueName), logx.String("key", key), logx.String("job", out.ID))
		return out, nil
	}
	metrics.JobsEnqueued.WithLabelValues(queueName).Inc()
	m.log.Debug("job enqueued", logx.String("queue", queueName), logx.String("key", key), logx.String("job", out.ID), logx.Int("priority", opt.Priority))
	return out, nil
}

// Stats returns a per-queue, per-state census. Side-effect free.
func (m *Manager) Stats(ctx context.Context) (map[string]storage.StateCounts, error) {
	m.mu.Lock()
	names := make([]string, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}
	m.mu.Unlock()

	out := make(map[string]storage.StateCounts, len(names))
	for _, name := range names {
		counts, err := m.store.QueueStats(ctx, name)
		if err != nil {
			return nil, err
		}
		out[name] = counts
	}
	return out, nil
}

// Replay resets a Failed job to Waiting. Operator action; Failed jobs are
// never retried automatically.
func (m *Manager) Replay(ctx context.Context, queueName, jobID string) error {
	m.mu.Lock()
	_, ok := m.queues[queueName]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}
	if err := m.store.ReplayJob(ctx, queueName, jobID, m.now()); err != nil {
		return err
	}
	m.log.Info("job replayed", logx.String("queue", queueName), logx.String("job", jobID))
	return nil
}

// Supervisor returns the manager's internal supervisor (nil if not started).
// Used for operational visibility.
func (m *Manager) Supervisor() *rtsup.Supervisor {
	m.mu.Lock()
	sup := m.sup
	m.mu.Unlock()
	return sup
}

func (m *Manager) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	if m.stopCh != nil {
		m.mu.Unlock()
		return
	}
	m.stopCh = make(chan struct{})
	m.stopped = false
	stopCh := m.stopCh

	m.sup = rtsup.New(ctx,
		rtsup.WithLogger(m.log.With(logx.String("comp", "queue"))),
		// Worker failures self-heal; they must not take the process down.
		rtsup.WithCancelOnError(false),
	)
	sup := m.sup

	regs := make([]*registration, 0, len(m.queues))
	for _, reg := range m.queues {
		regs = append(regs, reg)
	}
	m.mu.Unlock()

	workers := 0
	for _, reg := range regs {
		rg := reg
		for i := 0; i < rg.cfg.Workers; i++ {
			idx := i
			name := fmt.Sprintf("%s.worker.%d", rg.cfg.Name, idx)
			sup.GoRestart(name, func(c context.Context) error {
				return m.runWorker(c, stopCh, rg)
			}, rtsup.WithPublishFirstError(true))
			workers++
		}
		relName := rg.cfg.Name + ".release"
		sup.GoRestart(relName, func(c context.Context) error {
			return m.runRelease(c, stopCh, rg)
		}, rtsup.WithPublishFirstError(true))
	}

	m.startJanitor(regs)

	m.log.Info("queue manager started", logx.Int("queues", len(regs)), logx.Int("workers", workers))
}

func (m *Manager) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	if m.stopCh == nil {
		m.mu.Unlock()
		return
	}
	if m.stopDone != nil {
		done := m.stopDone
		m.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	m.stopDone = done
	m.stopped = true
	close(m.stopCh)
	sup := m.sup
	m.mu.Unlock()

	m.stopJanitor()

	if sup != nil {
		sup.Cancel()
	}

	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		m.mu.Lock()
		m.stopCh = nil
		m.stopDone = nil
		m.sup = nil
		m.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		m.log.Info("queue manager stopped")
	case <-ctx.Done():
		m.log.Warn("queue manager stop timed out", logx.Any("err", ctx.Err()))
	}
}
