package breaker

import (
	"context"
	"math/rand"
	"time"
)

// Clock abstracts time so breaker and retry behavior is deterministic in tests
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

func NewClock() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Jitter perturbs a backoff delay before sleeping on it
type Jitter func(d time.Duration) time.Duration

// DefaultJitter adds up to 50% of the delay on top of it
func DefaultJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}

	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}

// NoJitter keeps delays exact, used in tests
func NoJitter(d time.Duration) time.Duration {
	return d
}
