package testutil

import (
	"sync"
	"time"
)

// FakeClock is a controllable wall clock for tests.
//
// It starts at a fixed instant and only moves when Set or Advance is called,
// so timestamps written by queues and reporters are reproducible in golden
// traces.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// DefaultEpoch is where NewFakeClock starts when given the zero time.
var DefaultEpoch = time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)

// NewFakeClock creates a clock frozen at start, or at DefaultEpoch if start
// is zero.
func NewFakeClock(start time.Time) *FakeClock {
	if start.IsZero() {
		start = DefaultEpoch
	}
	return &FakeClock{now: start.UTC()}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}

// Advance moves the clock forward by d and returns the new time.
func (c *FakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}
