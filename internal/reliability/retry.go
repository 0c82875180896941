package reliability

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// ErrRetriesExhausted is matched by every error returned after the last attempt failed
var ErrRetriesExhausted = errors.New("retry: attempts exhausted")

// RetryPolicy decides whether a failed invocation is tried again
type RetryPolicy interface {
	// ShouldRetry is called after the attempt-th invocation (1-based) failed with err
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	// MaxAttempts returns the total number of invocations allowed
	MaxAttempts() int
}

// ExponentialBackoff waits InitialInterval * Multiplier^attempt before the
// next invocation, capped at MaxInterval when it is set.
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Attempts        int
	Jitter          bool
}

// NewExponentialBackoff creates a doubling backoff without jitter
func NewExponentialBackoff(interval time.Duration, attempts int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: interval,
		Multiplier:      2,
		Attempts:        attempts,
	}
}

// ShouldRetry implements RetryPolicy
func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= e.MaxAttempts() || IsPermanent(err) {
		return false, 0
	}
	return true, e.NextDelay(attempt)
}

// MaxAttempts implements RetryPolicy. At least one invocation always happens.
func (e *ExponentialBackoff) MaxAttempts() int {
	if e.Attempts < 1 {
		return 1
	}
	return e.Attempts
}

// NextDelay returns the wait after the attempt-th failure
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	multiplier := e.Multiplier
	if multiplier <= 0 {
		multiplier = 2
	}

	delay := float64(e.InitialInterval) * math.Pow(multiplier, float64(attempt))
	if e.MaxInterval > 0 && delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}
	if delay > math.MaxInt64 {
		delay = math.MaxInt64
	}

	if e.Jitter {
		// +-15%
		delay = delay*0.85 + rand.Float64()*0.3*delay
	}

	return time.Duration(delay)
}

// ExhaustedError is returned by Retry when every attempt failed
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry: gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrRetriesExhausted, e.Err}
}

// AttemptFunc is told which attempt (1-based) it is running
type AttemptFunc func(ctx context.Context, attempt int) error

// Retry invokes fn until it succeeds, the policy stops it or ctx is done.
// Backoff waits return early when ctx is cancelled.
func Retry(ctx context.Context, policy RetryPolicy, fn AttemptFunc) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}

		retry, delay := policy.ShouldRetry(attempt, err)
		if !retry {
			if IsPermanent(err) {
				return err
			}
			return &ExhaustedError{Attempts: attempt, Err: err}
		}

		if delay <= 0 {
			continue
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry interrupted after %d attempts: %w", attempt, errors.Join(ctx.Err(), err))
		}
	}
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err so Retry returns it without further attempts
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
