package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "relayhub/pkg/logx"
)

// Store is the persistence API beneath the queue layer.
//
// Claim hands a waiting job to exactly one caller: the selected job flips to
// Active before it is returned, so concurrent workers never share a job.
// ReleaseDue moves Delayed jobs whose backoff has elapsed back to Waiting.
type Store interface {
	EnqueueJob(ctx context.Context, j *Job) (out *Job, created bool, err error)
	ClaimJob(ctx context.Context, queue string, now time.Time) (*Job, error)
	CompleteJob(ctx context.Context, id string, now time.Time) error
	FailJob(ctx context.Context, id, lastError string, now time.Time) error
	RetryJob(ctx context.Context, id string, attempt int, availableAt time.Time, lastError string) error
	ReleaseDue(ctx context.Context, queue string, now time.Time) (int, error)
	ReplayJob(ctx context.Context, queue, id string, now time.Time) error
	QueueStats(ctx context.Context, queue string) (StateCounts, error)
	// PurgeFinished deletes jobs in a terminal state older than olderThan and,
	// when keepMax > 0, trims the remainder down to the newest keepMax rows.
	PurgeFinished(ctx context.Context, queue string, state JobState, olderThan time.Time, keepMax int) (int, error)

	PutRawEvent(ctx context.Context, ev *RawEvent) error
	GetRawEvent(ctx context.Context, id string) (*RawEvent, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
