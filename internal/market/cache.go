package market

import (
	"context"
	"sync"
	"time"
)

// Cache memoizes snapshots per symbol and timeframe for a short TTL.
// Several strategies on the same instrument then share one terminal
// round-trip per interval instead of issuing identical requests.
type Cache struct {
	provider Provider
	ttl      time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
	hits    uint64
	misses  uint64
}

type cacheEntry struct {
	snap    Snapshot
	expires time.Time
}

func NewCache(provider Provider, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &Cache{
		provider: provider,
		ttl:      ttl,
		entries:  make(map[string]cacheEntry),
	}
}

// Snapshot returns a cached snapshot when fresh, otherwise fetches and
// stores a new one. Fetch errors are never cached.
func (c *Cache) Snapshot(ctx context.Context, symbol, timeframe string) (Snapshot, error) {
	key := symbol + "|" + timeframe
	now := time.Now()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && now.Before(e.expires) {
		c.hits++
		c.mu.Unlock()
		return e.snap, nil
	}
	c.misses++
	c.mu.Unlock()

	snap, err := c.provider.Snapshot(ctx, symbol, timeframe)
	if err != nil {
		return Snapshot{}, err
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{snap: snap, expires: now.Add(c.ttl)}
	c.mu.Unlock()
	return snap, nil
}

// Invalidate drops any cached snapshot for a symbol and timeframe.
func (c *Cache) Invalidate(symbol, timeframe string) {
	c.mu.Lock()
	delete(c.entries, symbol+"|"+timeframe)
	c.mu.Unlock()
}

// HitRate reports the fraction of lookups served from cache, for the
// health surface. Returns 0 before any lookup.
func (c *Cache) HitRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}
