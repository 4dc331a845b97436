package breaker

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// RetryConfig bounds retries of a single call wrapped by a breaker
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first one
	MaxAttempts uint
	// InitialBackoff is the delay before the second attempt
	InitialBackoff time.Duration
	// Multiplier stretches the delay after every failed attempt
	Multiplier float64
	// MaxBackoff caps a single delay
	MaxBackoff time.Duration
}

var DefaultRetryConfig = RetryConfig{
	MaxAttempts:    3,
	InitialBackoff: time.Millisecond * 100,
	Multiplier:     2,
	MaxBackoff:     time.Second * 5,
}

// permanentError marks a failure that must not be retried, e.g. a business rejection
type permanentError struct {
	cause error
}

func (p permanentError) Error() string {
	return p.cause.Error()
}

func (p permanentError) Cause() error {
	return p.cause
}

// Permanent wraps err so Guard.Execute fails immediately instead of retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return permanentError{cause: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	for err != nil {
		if _, ok := err.(permanentError); ok {
			return true
		}

		cause, ok := err.(interface{ Cause() error })
		if !ok {
			break
		}
		err = cause.Cause()
	}

	return false
}

// Guard combines a per-dependency circuit breaker with bounded backoff retries.
// Transient failures are retried with exponential backoff and jitter, permanent
// failures and an open circuit end the call immediately.
type Guard struct {
	breakers *Registry
	retry    RetryConfig
	clock    Clock
	jitter   Jitter
}

func NewGuard(breakers *Registry, retry RetryConfig, clock Clock, jitter Jitter) *Guard {
	if retry.MaxAttempts == 0 {
		retry.MaxAttempts = 1
	}

	if retry.Multiplier < 1 {
		retry.Multiplier = 1
	}

	if jitter == nil {
		jitter = DefaultJitter
	}

	return &Guard{breakers: breakers, retry: retry, clock: clock, jitter: jitter}
}

// Execute runs op through the named breaker, retrying transient failures up to the
// configured budget. The returned error is the last attempt's error.
func (g *Guard) Execute(ctx context.Context, name string, op func(ctx context.Context) error) error {
	b := g.breakers.Get(name)
	delay := g.retry.InitialBackoff

	var lastErr error

	for attempt := uint(0); attempt < g.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := g.clock.Sleep(ctx, g.jitter(delay)); err != nil {
				return errors.Wrapf(err, "waiting to retry '%s'", name)
			}

			delay = time.Duration(float64(delay) * g.retry.Multiplier)

			if g.retry.MaxBackoff > 0 && delay > g.retry.MaxBackoff {
				delay = g.retry.MaxBackoff
			}
		}

		lastErr = b.Execute(ctx, op)

		if lastErr == nil {
			return nil
		}

		if IsPermanent(lastErr) || IsCircuitOpen(lastErr) {
			return lastErr
		}

		if ctx.Err() != nil {
			return lastErr
		}
	}

	return lastErr
}
