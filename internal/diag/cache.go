// Package diag provides a short-TTL cache for failure payloads that are
// too large or too structured to fit in a WebSocket close frame. Clients
// opt in by passing a correlation key at connect time and fetch the
// detail out of band after the socket closes.
package diag

import (
	"sync"
	"time"
)

// DefaultTTL is the retention window for parked failure detail.
const DefaultTTL = 10 * time.Second

// Cache stores payloads by key with a rolling per-key TTL. Writing an
// existing key resets its timer. Safe for concurrent use, including
// re-entrant deletes from expiry callbacks.
type Cache struct {
	ttl time.Duration

	mu     sync.Mutex
	values map[string]any
	timers map[string]*time.Timer
}

// NewCache creates a cache whose entries expire ttl after their last Put.
//
// Precondition: ttl > 0; 0 uses DefaultTTL.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		ttl:    ttl,
		values: make(map[string]any),
		timers: make(map[string]*time.Timer),
	}
}

// Put stores value under key, replacing any previous value and restarting
// the eviction timer for that key.
func (c *Cache) Put(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[key]; ok {
		t.Stop()
	}
	c.values[key] = value
	var timer *time.Timer
	timer = time.AfterFunc(c.ttl, func() {
		c.expire(key, timer)
	})
	c.timers[key] = timer
}

// Take returns the value stored under key and deletes it. The second
// return is false when the key was never set or has already expired.
func (c *Cache) Take(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.values[key]
	if !ok {
		return nil, false
	}
	c.deleteLocked(key)
	return value, true
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.values)
}

// Clear cancels all pending timers and empties the store.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.timers {
		t.Stop()
	}
	c.values = make(map[string]any)
	c.timers = make(map[string]*time.Timer)
}

// expire removes key, but only if fired is still the timer that owns it.
// A concurrent Put may have replaced the entry while this callback was
// waiting on the lock; the fresh entry keeps its full TTL.
func (c *Cache) expire(key string, fired *time.Timer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timers[key] != fired {
		return
	}
	c.deleteLocked(key)
}

func (c *Cache) deleteLocked(key string) {
	if t, ok := c.timers[key]; ok {
		t.Stop()
		delete(c.timers, key)
	}
	delete(c.values, key)
}
