// ABOUTME: Thread-safe TTL window for suppressing repeated change event IDs.
// ABOUTME: Used by the remote client when a reconnect replays events it already saw.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key    string
	marked time.Time
}

// Cache remembers keys for a TTL, holding at most maxSize of them. Entries
// are kept in mark order, so expired keys are always at the front and are
// swept lazily on each mark without a background goroutine.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*list.Element
	order   *list.List // *entry, oldest mark at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// New creates a cache with the given TTL and size bound. A non-positive
// maxSize means unbounded.
func New(ttl time.Duration, maxSize int) *Cache {
	return &Cache{
		seen:    make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Seen reports whether key was marked within the TTL.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.seen[key]
	if !ok {
		return false
	}
	return c.now().Sub(el.Value.(*entry).marked) < c.ttl
}

// CheckAndMark atomically checks and marks key. It returns true when key is
// a duplicate inside the TTL window and false when it is new (now marked).
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.sweepLocked(now)

	if el, ok := c.seen[key]; ok {
		// sweep removed anything expired, so a surviving entry is live
		el.Value.(*entry).marked = now
		c.order.MoveToBack(el)
		return true
	}

	if c.maxSize > 0 && len(c.seen) >= c.maxSize {
		front := c.order.Front()
		c.order.Remove(front)
		delete(c.seen, front.Value.(*entry).key)
	}

	c.seen[key] = c.order.PushBack(&entry{key: key, marked: now})
	return false
}

// Len returns the number of keys currently remembered, expired ones included
// until the next sweep.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// sweepLocked drops expired entries from the front. Must be called with mu held.
func (c *Cache) sweepLocked(now time.Time) {
	for {
		front := c.order.Front()
		if front == nil {
			return
		}
		e := front.Value.(*entry)
		if now.Sub(e.marked) < c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.seen, e.key)
	}
}
