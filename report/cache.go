package report

import (
	"sync"
	"time"
)

// DefaultCacheTTL is how long processed HTML is reused.
const DefaultCacheTTL = time.Hour

type cacheEntry struct {
	value     string
	timestamp time.Time
}

// Cache holds processed report HTML keyed by absolute path. Expired
// entries are purged when next accessed. Only successful renders are
// stored; error pages never enter the cache.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]cacheEntry
}

func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{ttl: ttl, now: time.Now, entries: make(map[string]cacheEntry)}
}

// WithClock replaces the time source.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

func (c *Cache) Get(path string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[path]
	if !ok {
		return "", false
	}
	if c.now().Sub(e.timestamp) > c.ttl {
		delete(c.entries, path)
		return "", false
	}
	return e.value, true
}

func (c *Cache) Put(path, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[path] = cacheEntry{value: value, timestamp: c.now()}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
