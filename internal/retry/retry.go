// Package retry runs external calls under a bounded exponential backoff policy.
//
// Every attempt gets its own timeout. A timed-out or failed call is a
// TransientIO fault and is retried; once the attempt budget is spent the
// last cause is returned inside a Permanent fault.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/chunkledger/internal/fault"
)

// Policy bounds a retry loop. Attempts counts the first call, so Attempts=1
// means no retries.
type Policy struct {
	Attempts    int           `json:"attempts"`
	BaseDelay   time.Duration `json:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay"`
	CallTimeout time.Duration `json:"call_timeout"`
}

// DefaultPolicy is used when configuration leaves a policy empty.
var DefaultPolicy = Policy{
	Attempts:    4,
	BaseDelay:   100 * time.Millisecond,
	MaxDelay:    2 * time.Second,
	CallTimeout: 5 * time.Second,
}

// Backoff returns the delay to wait after the given 1-based attempt.
// The delay doubles from BaseDelay and is capped at MaxDelay.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 || p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Validate rejects policies that could never make progress.
func (p Policy) Validate() error {
	if p.Attempts < 1 {
		return fmt.Errorf("attempts must be >= 1, got %d", p.Attempts)
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 || p.CallTimeout < 0 {
		return errors.New("delays and timeouts must not be negative")
	}
	return nil
}

type settings struct {
	onRetry   func(attempt int, delay time.Duration, err error)
	retryable func(error) bool
}

// Option customizes a single Do call.
type Option func(*settings)

// OnRetry registers a hook invoked before each backoff sleep.
func OnRetry(fn func(attempt int, delay time.Duration, err error)) Option {
	return func(s *settings) {
		s.onRetry = fn
	}
}

// RetryIf replaces the default classification of retryable errors.
func RetryIf(fn func(error) bool) Option {
	return func(s *settings) {
		s.retryable = fn
	}
}

// DefaultRetryable applies fault.Retryable. Errors with a definite Kind are
// returned at once.
func DefaultRetryable(err error) bool {
	return fault.Retryable(err)
}

// Do calls fn until it succeeds, returns a non-retryable error, the policy is
// exhausted, or ctx is done. It returns the number of attempts made.
//
// Cancellation of ctx stops the loop without further attempts.
func Do(ctx context.Context, op string, p Policy, fn func(ctx context.Context) error, opts ...Option) (int, error) {
	s := settings{retryable: DefaultRetryable}
	for _, opt := range opts {
		opt(&s)
	}
	if p.Attempts < 1 {
		p.Attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, cancelled(op, attempt-1, ctx, lastErr)
		}

		err := call(ctx, p.CallTimeout, fn)
		if err == nil {
			return attempt, nil
		}

		// Parent cancellation surfaces as a call error too; don't mistake it for a timeout.
		if ctx.Err() != nil {
			return attempt, cancelled(op, attempt, ctx, err)
		}

		var fe *fault.Error
		if errors.Is(err, context.DeadlineExceeded) && !errors.As(err, &fe) {
			err = fault.Transient(op, err)
		}
		if !s.retryable(err) {
			return attempt, err
		}
		lastErr = err

		if attempt == p.Attempts {
			break
		}

		delay := p.Backoff(attempt)
		if s.onRetry != nil {
			s.onRetry(attempt, delay, err)
		}
		if err := sleep(ctx, delay); err != nil {
			return attempt, cancelled(op, attempt, ctx, lastErr)
		}
	}

	return p.Attempts, fault.Permanent(op, p.Attempts, lastErr)
}

func call(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(callCtx)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func cancelled(op string, attempts int, ctx context.Context, last error) error {
	cause := context.Cause(ctx)
	if last != nil {
		return fmt.Errorf("%s: cancelled after %d attempts: %w", op, attempts, errors.Join(cause, last))
	}
	return fmt.Errorf("%s: cancelled after %d attempts: %w", op, attempts, cause)
}
