package ttlcache

import (
	"sync"
	"time"
)

// Cache remembers keys for a fixed ttl. Used to skip repeated session lookups
// during reconnect storms.
type Cache struct {
	mu  sync.RWMutex
	ttl time.Duration
	m   map[string]time.Time
}

func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &Cache{ttl: ttl, m: make(map[string]time.Time)}
}

func (c *Cache) Get(key string) bool {
	c.mu.RLock()
	exp, ok := c.m[key]
	c.mu.RUnlock()
	return ok && time.Now().Before(exp)
}

func (c *Cache) Set(key string) {
	c.mu.Lock()
	c.m[key] = time.Now().Add(c.ttl)
	if len(c.m) > 4096 {
		c.sweepLocked()
	}
	c.mu.Unlock()
}

func (c *Cache) Del(key string) {
	c.mu.Lock()
	delete(c.m, key)
	c.mu.Unlock()
}

func (c *Cache) sweepLocked() {
	now := time.Now()
	for k, exp := range c.m {
		if now.After(exp) {
			delete(c.m, k)
		}
	}
}
