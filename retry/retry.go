// Package retry provides a generic retry-with-backoff decorator for calls to
// external collaborators (search backends, LLM APIs, index writes).
package retry

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// Policy configures retry behaviour. The wait doubles after every failed
// attempt, capped at MaxWait.
type Policy struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	Jitter      bool

	// Retryable decides whether err is worth another attempt. Nil retries
	// everything except Permanent errors and context cancellation.
	Retryable func(err error) bool

	// Name labels log lines.
	Name string
}

// Default provides sensible retry defaults.
var Default = Policy{
	MaxAttempts: 3,
	InitialWait: time.Second,
	MaxWait:     30 * time.Second,
	Jitter:      true,
}

// permanentError marks an error that must not be retried.
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so Do returns it immediately.
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

// waitError carries a server-specified wait (e.g. Retry-After).
type waitError struct {
	err  error
	wait time.Duration
}

func (w *waitError) Error() string { return w.err.Error() }
func (w *waitError) Unwrap() error { return w.err }

// After wraps err so the next attempt waits exactly d instead of the
// backoff schedule.
func After(err error, d time.Duration) error {
	if err == nil {
		return nil
	}
	return &waitError{err: err, wait: d}
}

// Do calls fn until it succeeds, returns a non-retryable error, the policy
// runs out of attempts, or ctx is done. The last error is returned.
func Do[T any](ctx context.Context, p Policy, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	wait := p.InitialWait

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if !p.shouldRetry(err) || attempt == attempts {
			break
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		sleep := wait
		var we *waitError
		if errors.As(err, &we) {
			sleep = we.wait
		} else if p.Jitter && wait > 0 {
			sleep = time.Duration(float64(wait) * (0.5 + rand.Float64()))
		}
		if p.MaxWait > 0 && sleep > p.MaxWait {
			sleep = p.MaxWait
		}

		slog.Debug("retry: attempt failed",
			"name", p.Name, "attempt", attempt, "max", attempts, "wait", sleep, "error", err)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}

		wait *= 2
		if p.MaxWait > 0 && wait > p.MaxWait {
			wait = p.MaxWait
		}
	}
	return zero, lastErr
}

// Run is Do for functions without a result value.
func Run(ctx context.Context, p Policy, fn func(context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func (p Policy) shouldRetry(err error) bool {
	if IsPermanent(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return true
}
