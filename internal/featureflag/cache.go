package featureflag

import (
	"sync"
	"time"
)

// cache holds the full flag set for a short TTL. One storage read warms all
// keys, so per-request flag checks cost a map lookup in steady state.
type cache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	flags   []Flag
	expires time.Time
}

func newCache(ttl time.Duration) *cache {
	return &cache{ttl: ttl}
}

func (c *cache) get() ([]Flag, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.flags == nil || time.Now().After(c.expires) {
		return nil, false
	}
	return c.flags, true
}

func (c *cache) put(flags []Flag) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.flags = flags
	c.expires = time.Now().Add(c.ttl)
}

func (c *cache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.flags = nil
}
