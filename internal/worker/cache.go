package worker

import (
	"sync"
	"time"
)

// seenCache remembers recently processed URLs so repeated listings skip the
// store lookup. It is a hint only: the store's uniqueness constraint remains
// the dedup authority.
type seenCache struct {
	mu    sync.Mutex
	items map[string]time.Time
	ttl   time.Duration
}

func newSeenCache(ttl time.Duration) *seenCache {
	return &seenCache{
		items: make(map[string]time.Time),
		ttl:   ttl,
	}
}

func (c *seenCache) Add(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[url] = time.Now().Add(c.ttl)
}

func (c *seenCache) Has(url string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	expires, ok := c.items[url]
	if !ok {
		return false
	}
	if time.Now().After(expires) {
		delete(c.items, url)
		return false
	}
	return true
}

// prune drops expired entries; the runner calls it once per cycle.
func (c *seenCache) prune() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for url, expires := range c.items {
		if now.After(expires) {
			delete(c.items, url)
		}
	}
}
