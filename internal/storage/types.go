package storage

import (
	"errors"
	"time"
)

var ErrJobNotFound = errors.New("job not found")

// Config configures the job store.
//
// Driver values:
//   - "sqlite": SQLite database file (durable, default for production)
//   - "memory": in-process store (tests, throwaway runs)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type JobState string

const (
	JobWaiting   JobState = "waiting"
	JobActive    JobState = "active"
	JobDelayed   JobState = "delayed"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

func (s JobState) Terminal() bool { return s == JobCompleted || s == JobFailed }

// Job is one durable, keyed unit of queued work.
//
// A job's Key deduplicates: while any non-terminal job with the same
// (queue, key) exists, enqueueing that key again yields the existing job.
// Attempt is 1-based and counts executions, not schedules.
type Job struct {
	ID          string
	Queue       string
	Key         string
	Payload     []byte
	Priority    int
	Attempt     int
	MaxAttempts int
	State       JobState
	LastError   string
	EnqueuedAt  time.Time
	AvailableAt time.Time
	FinishedAt  time.Time
}

// RawEvent is a provider webhook body persisted verbatim before processing.
type RawEvent struct {
	ID         string
	TenantID   string
	Payload    []byte
	ReceivedAt time.Time
}

// StateCounts is a per-state job census for one queue.
type StateCounts map[JobState]int
