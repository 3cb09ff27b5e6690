package frames

import (
	"sync"
	"time"
)

// Clock is the single session clock. Audio and video capture both stamp
// frames with offsets from the same start so their timestamps compare.
type Clock struct {
	mu    sync.Mutex
	now   func() time.Time
	start time.Time
}

// NewClock starts a session clock. now may be nil, in which case time.Now
// is used; tests inject a fake.
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now, start: now()}
}

// Now returns the offset since the clock started.
func (c *Clock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now().Sub(c.start)
}

// Started returns the wall-clock start of the session.
func (c *Clock) Started() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.start
}
