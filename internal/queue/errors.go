package queue

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrStopped      = errors.New("queue manager stopped")
	ErrUnknownQueue = errors.New("unknown queue")
	// ErrDuplicateJob is returned only for strict-unique enqueues; the default
	// policy coalesces and hands back the existing job instead.
	ErrDuplicateJob = errors.New("duplicate job")
)

// NoRetry marks an error as non-retryable.
//
// Handlers wrap validation errors or other permanent failures with NoRetry so
// the queue fails the job immediately instead of burning attempts.
//
// Example:
//
//	return queue.NoRetry(fmt.Errorf("malformed event: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter provides a suggested delay before the next attempt.
//
// Useful when a downstream system names its own backoff (rate limiter
// denial, provider Retry-After header). The queue respects the hint instead
// of its exponential schedule, bounded by the queue's BackoffMax.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
