package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDisabled    = errors.New("run engine disabled")
	ErrStopped     = errors.New("run engine stopped")
	ErrStopping    = errors.New("run engine stopping")
	ErrQueueFull   = errors.New("run engine queue full")
	ErrOverlapSkip = errors.New("run skipped: same job and partition already queued or running")
	ErrCircuitOpen = errors.New("run skipped: circuit breaker open")
)

// NoRetry marks a permanent failure, e.g. an HTTP 404 for a month that was
// never published.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return e.err.Error() }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter carries a server-provided delay (HTTP 429/503 Retry-After).
// The engine honours it up to RetryMaxDelay.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return retryAfterError{err: err, after: max(after, 0)}
}

type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("%v (retry after %s)", e.err, e.after) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
