package prober

import (
	"context"
	"sync"
	"time"
)

// DefaultCatchAllTTL is how long a per-domain catch-all verdict is reused.
const DefaultCatchAllTTL = 5 * time.Minute

// CatchAllCache stores per-domain catch-all verdicts.
type CatchAllCache interface {
	GetCatchAll(ctx context.Context, domain string) (catchAll, ok bool)
	SetCatchAll(ctx context.Context, domain string, catchAll bool)
}

// MemoryCatchAllCache is a TTL map of catch-all verdicts.
type MemoryCatchAllCache struct {
	ttl     time.Duration
	mu      sync.Mutex
	entries map[string]catchAllEntry
	swept   time.Time
}

type catchAllEntry struct {
	catchAll bool
	expires  time.Time
}

// NewMemoryCatchAllCache creates a cache with the given TTL.
func NewMemoryCatchAllCache(ttl time.Duration) *MemoryCatchAllCache {
	if ttl <= 0 {
		ttl = DefaultCatchAllTTL
	}
	return &MemoryCatchAllCache{ttl: ttl, entries: make(map[string]catchAllEntry), swept: time.Now()}
}

// GetCatchAll implements CatchAllCache.
func (c *MemoryCatchAllCache) GetCatchAll(_ context.Context, domain string) (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[domain]
	if !ok {
		return false, false
	}
	if time.Now().After(e.expires) {
		delete(c.entries, domain)
		return false, false
	}
	return e.catchAll, true
}

// SetCatchAll implements CatchAllCache.
func (c *MemoryCatchAllCache) SetCatchAll(_ context.Context, domain string, catchAll bool) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[domain] = catchAllEntry{catchAll: catchAll, expires: now.Add(c.ttl)}

	if now.Sub(c.swept) < c.ttl {
		return
	}
	c.swept = now
	for d, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, d)
		}
	}
}

// Len returns the number of stored verdicts.
func (c *MemoryCatchAllCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Tiered consults caches in order and back-fills earlier tiers on a hit.
type Tiered []CatchAllCache

// GetCatchAll implements CatchAllCache.
func (t Tiered) GetCatchAll(ctx context.Context, domain string) (bool, bool) {
	for i, c := range t {
		if v, ok := c.GetCatchAll(ctx, domain); ok {
			for _, earlier := range t[:i] {
				earlier.SetCatchAll(ctx, domain, v)
			}
			return v, true
		}
	}
	return false, false
}

// SetCatchAll implements CatchAllCache.
func (t Tiered) SetCatchAll(ctx context.Context, domain string, catchAll bool) {
	for _, c := range t {
		c.SetCatchAll(ctx, domain, catchAll)
	}
}
