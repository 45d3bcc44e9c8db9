// ABOUTME: Strictly increasing timestamp source for store-assigned times
// ABOUTME: Keeps message replay order total even when writes share a clock tick

package store

import (
	"sync"
	"time"
)

// stampClock hands out microsecond-precision UTC times that never repeat and
// never go backwards, bumping by one microsecond when the wall clock stalls.
type stampClock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

func newStampClock() *stampClock {
	return &stampClock{now: time.Now}
}

func (c *stampClock) next() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now().UTC().Truncate(time.Microsecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t
}

// observe records an externally known time so later stamps sort after it.
func (c *stampClock) observe(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t = t.UTC()
	if t.After(c.last) {
		c.last = t
	}
}
