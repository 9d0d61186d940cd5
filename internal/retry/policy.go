// Package retry provides the bounded retry policy shared by upstream callers.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

// Policy retries an operation up to MaxAttempts times, sleeping Backoff(attempt)
// between attempts. attempt is 1 for the delay after the first failure.
type Policy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
	Logger      *slog.Logger
	// OnRetry is called before each sleep; used for metrics.
	OnRetry func(op string, attempt int, err error)
}

// Linear returns base × attempt.
func Linear(base time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		return base * time.Duration(attempt)
	}
}

// Exponential returns base × attempt² plus up to 50% jitter, capped at max.
func Exponential(base, max time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		d := base * time.Duration(attempt*attempt)
		if d > max {
			d = max
		}
		return d + time.Duration(rand.Int63n(int64(d/2)+1))
	}
}

// None never waits.
func None(int) time.Duration { return 0 }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do runs fn until it succeeds, returns a permanent error, the context ends,
// or MaxAttempts is reached.
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := p.Backoff
	if backoff == nil {
		backoff = None
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if IsPermanent(err) {
			var perm *permanentError
			errors.As(err, &perm)
			return perm.err
		}
		if attempt == attempts {
			break
		}

		wait := backoff(attempt)
		if p.Logger != nil {
			p.Logger.Warn("retrying", "op", op, "attempt", attempt, "max_attempts", attempts, "backoff", wait, "err", err)
		}
		if p.OnRetry != nil {
			p.OnRetry(op, attempt, err)
		}
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		} else if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, attempts, lastErr)
}
