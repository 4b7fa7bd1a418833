package cache

import (
	"context"
	"strings"
	"time"
)

// CatchAllCache shares per-domain catch-all verdicts across instances. It
// implements prober.CatchAllCache.
type CatchAllCache struct {
	cache *Cache
	ttl   time.Duration
}

// NewCatchAllCache creates a Redis-backed catch-all cache.
func (c *Cache) NewCatchAllCache(ttl time.Duration) *CatchAllCache {
	return &CatchAllCache{cache: c, ttl: ttl}
}

// GetCatchAll returns the cached verdict. Redis errors count as a miss.
func (c *CatchAllCache) GetCatchAll(ctx context.Context, domain string) (bool, bool) {
	v, err := c.cache.client.Get(ctx, catchAllKey(domain)).Result()
	if err != nil {
		return false, false
	}
	switch v {
	case "1":
		return true, true
	case "0":
		return false, true
	}
	return false, false
}

// SetCatchAll stores a verdict. Failures are ignored; the verdict is
// recomputed on the next miss.
func (c *CatchAllCache) SetCatchAll(ctx context.Context, domain string, catchAll bool) {
	v := "0"
	if catchAll {
		v = "1"
	}
	_ = c.cache.client.Set(ctx, catchAllKey(domain), v, c.ttl).Err()
}

func catchAllKey(domain string) string {
	return key("catchall", strings.ToLower(domain))
}
