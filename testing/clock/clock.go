package clock

import (
	"context"
	"sync"
	"time"
)

// NewFakeClock returns a clock whose time only moves when Sleep is called or Advance
// is invoked, making breaker and retry timing deterministic in tests
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

type FakeClock struct {
	mtx   sync.Mutex
	now   time.Time
	slept []time.Duration
}

func (c *FakeClock) Now() time.Time {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	return c.now
}

// Sleep advances the clock by d instantly and records the request
func (c *FakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.now = c.now.Add(d)
	c.slept = append(c.slept, d)

	return nil
}

// Advance moves the clock forward without a sleeper
func (c *FakeClock) Advance(d time.Duration) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.now = c.now.Add(d)
}

// Slept returns every duration passed to Sleep in order
func (c *FakeClock) Slept() []time.Duration {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	r := make([]time.Duration, len(c.slept))
	copy(r, c.slept)

	return r
}
