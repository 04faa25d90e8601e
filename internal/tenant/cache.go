package tenant

import (
	"sync"
	"time"
)

// sampleEvery controls freshness sampling: every Nth read of a cached entry
// re-checks updated_at against storage and evicts the entry when stale.
const sampleEvery = 100

type cacheEntry struct {
	tenant    *Tenant
	updatedAt time.Time
	reads     int
}

// Cache is a pull-through cache for tenant entities keyed by id or name.
// Both keys point at the same entry so eviction through either key drops
// both. Safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
}

// NewCache creates an empty tenant cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]*cacheEntry)}
}

// Get returns the cached tenant for key. The second return value is false
// on a miss; the third is true when the read hit the freshness sampling
// interval and the caller should re-validate against storage.
func (c *Cache) Get(key string) (*Tenant, bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false, false
	}

	entry.reads++
	sample := entry.reads%sampleEvery == 0
	return entry.tenant, true, sample
}

// Put stores a tenant under both its id and name.
func (c *Cache) Put(t *Tenant) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &cacheEntry{tenant: t, updatedAt: t.UpdatedAt}
	c.entries[t.ID.String()] = entry
	c.entries[t.Name] = entry
}

// Evict removes a tenant by id and name.
func (c *Cache) Evict(t *Tenant) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, t.ID.String())
	delete(c.entries, t.Name)
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*cacheEntry)
}
