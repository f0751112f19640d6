package recency

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/recipe-crawler/internal/clock/system"
	"github.com/JakeFAU/recipe-crawler/internal/crawler"
)

// MemoryCache keeps keys in process memory. It is meant for single-process
// runs and tests; replicas do not share it.
type MemoryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	clock   crawler.Clock
	expires map[string]time.Time
}

// NewMemoryCache builds a MemoryCache. A nil clock uses the wall clock.
func NewMemoryCache(ttl time.Duration, c crawler.Clock) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if c == nil {
		c = system.New()
	}
	return &MemoryCache{
		ttl:     ttl,
		clock:   c,
		expires: make(map[string]time.Time),
	}
}

// SeenRecently implements crawler.RecencyCache.
func (c *MemoryCache) SeenRecently(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if exp, ok := c.expires[key]; ok && now.Before(exp) {
		return true, nil
	}
	c.expires[key] = now.Add(c.ttl)
	c.sweep(now)
	return false, nil
}

// sweep drops expired keys once the map has grown; callers hold mu.
func (c *MemoryCache) sweep(now time.Time) {
	const sweepThreshold = 4096
	if len(c.expires) < sweepThreshold {
		return
	}
	for k, exp := range c.expires {
		if !now.Before(exp) {
			delete(c.expires, k)
		}
	}
}

// Len returns the number of tracked keys, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.expires)
}
