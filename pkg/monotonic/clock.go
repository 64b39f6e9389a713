// Package monotonic provides strictly increasing microsecond timestamps.
// Change batches stamped from one Clock compare consistently even when two
// batches close within the same wall-clock microsecond.
package monotonic

import (
	"sync"
	"time"
)

// Clock generates strictly increasing microsecond timestamps. Safe for
// concurrent use.
type Clock struct {
	lk   sync.Mutex
	last int64
}

// NewClock creates a new Clock.
func NewClock() *Clock {
	return &Clock{}
}

// NowUS returns the current time in microseconds, bumped past the previous
// value if the wall clock has not advanced.
func (c *Clock) NowUS() int64 {
	c.lk.Lock()
	defer c.lk.Unlock()

	now := time.Now().UnixMicro()
	if now <= c.last {
		now = c.last + 1
	}
	c.last = now
	return now
}
