package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"relayhub/internal/storage"
	"relayhub/pkg/logx"
)

func testConfig(name string) Config {
	return Config{
		Name:         name,
		Workers:      1,
		MaxAttempts:  3,
		BackoffBase:  5 * time.Millisecond,
		BackoffMax:   50 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before timeout")
}

func TestEnqueueCoalescesByKey(t *testing.T) {
	m := NewManager(storage.NewMemory(), logx.Nop())
	m.Register(testConfig("q"), HandlerFunc(func(context.Context, *storage.Job) error { return nil }))

	ctx := context.Background()
	first, err := m.Enqueue(ctx, "q", "k1", map[string]string{"a": "1"}, EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	dup, err := m.Enqueue(ctx, "q", "k1", map[string]string{"a": "2"}, EnqueueOptions{})
	if err != nil {
		t.Fatalf("coalescing enqueue returned error: %v", err)
	}
	if dup.ID != first.ID {
		t.Fatalf("expected coalesce onto %s, got %s", first.ID, dup.ID)
	}

	_, err = m.Enqueue(ctx, "q", "k1", nil, EnqueueOptions{StrictUnique: true})
	if !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("StrictUnique: got %v, want ErrDuplicateJob", err)
	}
}

func TestEnqueueUnknownQueue(t *testing.T) {
	m := NewManager(storage.NewMemory(), logx.Nop())
	if _, err := m.Enqueue(context.Background(), "nope", "k", nil, EnqueueOptions{}); !errors.Is(err, ErrUnknownQueue) {
		t.Fatalf("got %v, want ErrUnknownQueue", err)
	}
}

func TestRetryDelayGrowsAndCaps(t *testing.T) {
	m := NewManager(storage.NewMemory(), logx.Nop())
	cfg := Config{BackoffBase: 2 * time.Second, BackoffMax: 15 * time.Second}

	var prev time.Duration
	for attempt := 1; attempt <= 3; attempt++ {
		d := m.retryDelay(cfg, attempt, errors.New("x"))
		if d <= prev {
			t.Fatalf("attempt %d: delay %v not greater than previous %v", attempt, d, prev)
		}
		prev = d
	}
	if d := m.retryDelay(cfg, 10, errors.New("x")); d != cfg.BackoffMax {
		t.Fatalf("attempt 10: delay %v, want cap %v", d, cfg.BackoffMax)
	}
}

func TestRetryDelayHonorsHint(t *testing.T) {
	m := NewManager(storage.NewMemory(), logx.Nop())
	cfg := Config{BackoffBase: time.Second, BackoffMax: 10 * time.Second}

	if d := m.retryDelay(cfg, 1, RetryAfter(errors.New("throttled"), 3*time.Second)); d != 3*time.Second {
		t.Fatalf("hint ignored: %v", d)
	}
	// Hints above the ceiling are capped.
	if d := m.retryDelay(cfg, 1, RetryAfter(errors.New("throttled"), time.Minute)); d != cfg.BackoffMax {
		t.Fatalf("hint not capped: %v", d)
	}
}

func TestWorkerRetriesThenCompletes(t *testing.T) {
	m := NewManager(storage.NewMemory(), logx.Nop())

	var attempts atomic.Int32
	m.Register(testConfig("q"), HandlerFunc(func(_ context.Context, j *storage.Job) error {
		if attempts.Add(1) < 3 {
			return fmt.Errorf("transient %d", j.Attempt)
		}
		return nil
	}))

	ctx := context.Background()
	if _, err := m.Enqueue(ctx, "q", "k", nil, EnqueueOptions{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	m.Start(ctx)
	defer m.Stop(context.Background())

	waitFor(t, 5*time.Second, func() bool {
		stats, err := m.Stats(ctx)
		return err == nil && stats["q"][storage.JobCompleted] == 1
	})
	if got := attempts.Load(); got != 3 {
		t.Fatalf("handler ran %d times, want 3", got)
	}
}

func TestWorkerExhaustsAttempts(t *testing.T) {
	m := NewManager(storage.NewMemory(), logx.Nop())

	var (
		mu        sync.Mutex
		exhausted []string
	)
	cfg := testConfig("q")
	cfg.MaxAttempts = 2
	m.Register(cfg,
		HandlerFunc(func(context.Context, *storage.Job) error { return errors.New("always fails") }),
		WithExhausted(func(_ context.Context, j *storage.Job, cause error) {
			mu.Lock()
			exhausted = append(exhausted, j.Key)
			mu.Unlock()
		}),
	)

	ctx := context.Background()
	if _, err := m.Enqueue(ctx, "q", "doomed", nil, EnqueueOptions{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	m.Start(ctx)
	defer m.Stop(context.Background())

	waitFor(t, 5*time.Second, func() bool {
		stats, err := m.Stats(ctx)
		return err == nil && stats["q"][storage.JobFailed] == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if len(exhausted) != 1 || exhausted[0] != "doomed" {
		t.Fatalf("exhausted hook calls = %v, want exactly [doomed]", exhausted)
	}
}

func TestNoRetryFailsImmediately(t *testing.T) {
	m := NewManager(storage.NewMemory(), logx.Nop())

	var attempts atomic.Int32
	m.Register(testConfig("q"), HandlerFunc(func(context.Context, *storage.Job) error {
		attempts.Add(1)
		return NoRetry(errors.New("malformed"))
	}))

	ctx := context.Background()
	if _, err := m.Enqueue(ctx, "q", "k", nil, EnqueueOptions{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	m.Start(ctx)
	defer m.Stop(context.Background())

	waitFor(t, 5*time.Second, func() bool {
		stats, err := m.Stats(ctx)
		return err == nil && stats["q"][storage.JobFailed] == 1
	})
	if got := attempts.Load(); got != 1 {
		t.Fatalf("NoRetry handler ran %d times, want 1", got)
	}
}

func TestReplayRunsFailedJobAgain(t *testing.T) {
	m := NewManager(storage.NewMemory(), logx.Nop())

	var healthy atomic.Bool
	cfg := testConfig("q")
	cfg.MaxAttempts = 1
	m.Register(cfg, HandlerFunc(func(context.Context, *storage.Job) error {
		if healthy.Load() {
			return nil
		}
		return errors.New("dependency down")
	}))

	ctx := context.Background()
	job, err := m.Enqueue(ctx, "q", "k", nil, EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	m.Start(ctx)
	defer m.Stop(context.Background())

	waitFor(t, 5*time.Second, func() bool {
		stats, err := m.Stats(ctx)
		return err == nil && stats["q"][storage.JobFailed] == 1
	})

	healthy.Store(true)
	if err := m.Replay(ctx, "q", job.ID); err != nil {
		t.Fatalf("replay: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		stats, err := m.Stats(ctx)
		return err == nil && stats["q"][storage.JobCompleted] == 1
	})
}

func TestHandlerPanicDoesNotKillWorker(t *testing.T) {
	m := NewManager(storage.NewMemory(), logx.Nop())

	var calls atomic.Int32
	cfg := testConfig("q")
	cfg.MaxAttempts = 1
	m.Register(cfg, HandlerFunc(func(_ context.Context, j *storage.Job) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return nil
	}))

	ctx := context.Background()
	if _, err := m.Enqueue(ctx, "q", "panics", nil, EnqueueOptions{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := m.Enqueue(ctx, "q", "fine", nil, EnqueueOptions{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	m.Start(ctx)
	defer m.Stop(context.Background())

	// The panicking job fails terminally; the next job still gets processed.
	waitFor(t, 5*time.Second, func() bool {
		stats, err := m.Stats(ctx)
		return err == nil &&
			stats["q"][storage.JobFailed] == 1 &&
			stats["q"][storage.JobCompleted] == 1
	})
}

func TestEnqueueAfterStopReturnsErrStopped(t *testing.T) {
	m := NewManager(storage.NewMemory(), logx.Nop())
	m.Register(testConfig("q"), HandlerFunc(func(context.Context, *storage.Job) error { return nil }))

	ctx := context.Background()
	m.Start(ctx)
	m.Stop(ctx)

	if _, err := m.Enqueue(ctx, "q", "k1", nil, EnqueueOptions{}); !errors.Is(err, ErrStopped) {
		t.Fatalf("got %v, want ErrStopped", err)
	}

	// A restarted manager accepts work again.
	m.Start(ctx)
	defer m.Stop(ctx)
	if _, err := m.Enqueue(ctx, "q", "k2", nil, EnqueueOptions{}); err != nil {
		t.Fatalf("enqueue after restart: %v", err)
	}
}
