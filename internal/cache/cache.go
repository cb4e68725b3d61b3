package cache

import (
	"sync"
	"time"
)

type entry struct {
	value     any
	expiresAt time.Time
}

// InMemoryCache is a simple, concurrent-safe in-memory key-value store with
// optional per-entry expiry. Expired entries are dropped lazily on read.
type InMemoryCache struct {
	mu    sync.RWMutex
	items map[string]entry
	now   func() time.Time
}

// NewInMemoryCache creates and returns a new InMemoryCache.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		items: make(map[string]entry),
		now:   time.Now,
	}
}

// Get retrieves a value from the cache.
// It returns the value and true if the key exists and has not expired,
// otherwise nil and false.
func (c *InMemoryCache) Get(key string) (any, bool) {
	c.mu.RLock()
	item, found := c.items[key]
	c.mu.RUnlock()
	if !found {
		return nil, false
	}
	if !item.expiresAt.IsZero() && c.now().After(item.expiresAt) {
		c.Delete(key)
		return nil, false
	}
	return item.value, true
}

// Set adds or updates a value in the cache without an expiry.
func (c *InMemoryCache) Set(key string, value any) {
	c.SetWithTTL(key, value, 0)
}

// SetWithTTL adds or updates a value that expires after ttl.
// A ttl of zero means the entry never expires.
func (c *InMemoryCache) SetWithTTL(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	c.items[key] = e
}

// Delete removes a value from the cache.
func (c *InMemoryCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}
