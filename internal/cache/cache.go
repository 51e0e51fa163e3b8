// Package cache memoizes aggregation results per pledge with a TTL.
package cache

import (
	"sync"
	"time"

	"github.com/pledgeproof/verifier-cli/internal/model"
)

// Key identifies one cached resolution.
type Key struct {
	Account        string
	ExerciseType   string
	RequiredAmount uint64
}

type entry struct {
	result    *model.AggregationResult
	expiresAt time.Time
}

// Cache is a pure in-process memoization map. There is no background
// revalidation; staleness is bounded only by the TTL and explicit Clear.
// Concurrent puts for the same key race harmlessly since results are
// immutable; last write wins.
type Cache struct {
	mu      sync.RWMutex
	entries map[Key]entry
	ttl     time.Duration
	now     func() time.Time // injectable for testing
}

// New creates a cache with the given TTL.
func New(ttl time.Duration) *Cache {
	return &Cache{
		entries: make(map[Key]entry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// WithNow sets a fixed clock for testing.
func (c *Cache) WithNow(now func() time.Time) *Cache {
	c.now = now
	return c
}

// Get returns the cached result for the key, or nil on miss. Expired
// entries count as misses and are evicted lazily.
func (c *Cache) Get(key Key) *model.AggregationResult {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	if c.now().After(e.expiresAt) {
		c.mu.Lock()
		// Re-check under the write lock; a fresher put may have landed.
		if cur, ok := c.entries[key]; ok && c.now().After(cur.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil
	}
	return e.result
}

// Put stores a result under the key with the cache's TTL.
func (c *Cache) Put(key Key, result *model.AggregationResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{result: result, expiresAt: c.now().Add(c.ttl)}
}

// Clear wipes all entries. Privileged; exposed only outside production.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[Key]entry)
}

// Len returns the number of stored entries, including any not yet evicted
// expired ones.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
