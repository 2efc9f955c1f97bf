package retry

import (
	"context"
	"errors"
	"time"
)

// DefaultBackoff is the delay schedule between attempts against remote hosts.
var DefaultBackoff = []time.Duration{500 * time.Millisecond, 2 * time.Second, 8 * time.Second}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do and DoVal return the
// unwrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

type config struct {
	attempts int
	backoff  []time.Duration
	retryIf  func(error) bool
	onRetry  func(attempt int, err error, wait time.Duration)
}

// Option configures retry behavior.
type Option func(*config)

// WithMaxAttempts caps the number of calls, first try included.
func WithMaxAttempts(n int) Option {
	return func(c *config) { c.attempts = n }
}

// WithBackoff sets the waits between attempts; the last one repeats.
func WithBackoff(delays ...time.Duration) Option {
	return func(c *config) { c.backoff = delays }
}

// WithRetryIf retries only errors for which fn returns true.
func WithRetryIf(fn func(error) bool) Option {
	return func(c *config) { c.retryIf = fn }
}

// WithOnRetry is called before each wait, with the 1-based attempt that failed.
func WithOnRetry(fn func(attempt int, err error, wait time.Duration)) Option {
	return func(c *config) { c.onRetry = fn }
}

// Do calls fn until it succeeds, returns a permanent error, the retry
// predicate rejects the error, attempts run out, or ctx is done.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	_, err := DoVal(ctx, func() (struct{}, error) { return struct{}{}, fn() }, opts...)
	return err
}

// DoVal is Do for functions that also return a value.
func DoVal[T any](ctx context.Context, fn func() (T, error), opts ...Option) (T, error) {
	c := config{attempts: len(DefaultBackoff) + 1, backoff: DefaultBackoff}
	for _, opt := range opts {
		opt(&c)
	}
	if c.attempts < 1 {
		c.attempts = 1
	}

	var zero T
	for attempt := 1; ; attempt++ {
		val, err := fn()
		if err == nil {
			return val, nil
		}
		var pe *permanentError
		if errors.As(err, &pe) {
			return zero, pe.err
		}
		if attempt >= c.attempts || (c.retryIf != nil && !c.retryIf(err)) {
			return zero, err
		}

		wait := delay(c.backoff, attempt-1)
		if c.onRetry != nil {
			c.onRetry(attempt, err, wait)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, err
		case <-timer.C:
		}
	}
}

func delay(backoff []time.Duration, i int) time.Duration {
	if len(backoff) == 0 {
		return 0
	}
	if i < len(backoff) {
		return backoff[i]
	}
	return backoff[len(backoff)-1]
}
