package fake

import (
	"sync"
	"time"
)

// Clock is a time source that only moves when told to. Pass c.Now wherever a
// func() time.Time is accepted.
type Clock struct {
	mu    sync.Mutex
	start time.Time
	now   time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{start: start, now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new time.
func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Elapsed is the total time advanced since NewClock.
func (c *Clock) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now.Sub(c.start)
}
