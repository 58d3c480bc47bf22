package testutil

import (
	"sync"
	"time"
)

// MockClock is a manually advanced clock.
type MockClock struct {
	mu      sync.Mutex
	current time.Time
	step    time.Duration
}

func NewMockClock(start time.Time) *MockClock {
	return &MockClock{current: start}
}

// Now returns the current time, then advances it by the auto-step if one
// is set.
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.current
	c.current = c.current.Add(c.step)
	return now
}

// AutoAdvance makes every Now call move the clock forward by d.
func (c *MockClock) AutoAdvance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.step = d
}

func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t
}
