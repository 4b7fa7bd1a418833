package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// bucketScript refills and takes one token atomically. Times are in
// milliseconds. It returns {allowed, wait_ms, tokens_left}.
var bucketScript = redis.NewScript(`
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 't', 'at')
local tokens = tonumber(state[1]) or burst
local at = tonumber(state[2]) or now
tokens = math.min(burst, tokens + math.max(0, now - at) * rate)

local allowed, wait = 0, 0
if tokens >= 1 then
	tokens = tokens - 1
	allowed = 1
else
	wait = math.ceil((1 - tokens) / rate)
end

redis.call('HSET', KEYS[1], 't', tokens, 'at', now)
redis.call('EXPIRE', KEYS[1], ttl)
return {allowed, wait, math.floor(tokens)}
`)

// Decision is the outcome of taking a token.
type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// bucket is one token-bucket family.
type bucket struct {
	name      string
	perSecond float64
	burst     int
	ttl       time.Duration
}

func (c *Cache) take(ctx context.Context, b bucket, id string) (Decision, error) {
	if b.perSecond <= 0 || b.burst <= 0 {
		return Decision{Allowed: true}, nil
	}
	res, err := bucketScript.Run(ctx, c.client, []string{key("bucket", b.name, id)},
		b.perSecond/1000, b.burst, time.Now().UnixMilli(), int(b.ttl/time.Second)).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("failed to take %s token: %w", b.name, err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("unexpected %s bucket reply %v", b.name, res)
	}
	return Decision{
		Allowed:    res[0] == 1,
		RetryAfter: time.Duration(res[1]) * time.Millisecond,
		Remaining:  res[2],
	}, nil
}

// AllowKey takes a request token for an API key limited to perMinute.
func (c *Cache) AllowKey(ctx context.Context, keyID string, perMinute, burst int) (Decision, error) {
	return c.take(ctx, bucket{name: "key", perSecond: float64(perMinute) / 60, burst: burst, ttl: 2 * time.Minute}, keyID)
}

// AllowIP takes a request token for a client address. Addresses are hashed
// before they reach Redis.
func (c *Cache) AllowIP(ctx context.Context, ip string, perSecond, burst int) (Decision, error) {
	return c.take(ctx, bucket{name: "ip", perSecond: float64(perSecond), burst: burst, ttl: 10 * time.Second}, hashAddr(ip))
}

func hashAddr(ip string) string {
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:8])
}

// DomainThrottle paces SMTP callouts per recipient domain across every
// instance. It implements prober.Throttler.
type DomainThrottle struct {
	cache *Cache
	rate  func(domain string) int
}

// NewDomainThrottle allows rate(domain) callouts per second to each domain,
// with a burst of the same size.
func NewDomainThrottle(c *Cache, rate func(domain string) int) *DomainThrottle {
	return &DomainThrottle{cache: c, rate: rate}
}

// Wait blocks until a callout to domain is allowed. Redis errors fail open.
func (t *DomainThrottle) Wait(ctx context.Context, domain string) error {
	perSecond := t.rate(domain)
	if perSecond <= 0 {
		return nil
	}
	b := bucket{name: "smtp", perSecond: float64(perSecond), burst: perSecond, ttl: 10 * time.Second}
	domain = strings.ToLower(domain)

	for {
		d, err := t.cache.take(ctx, b, domain)
		if err != nil {
			return ctx.Err()
		}
		if d.Allowed {
			return nil
		}

		timer := time.NewTimer(d.RetryAfter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
