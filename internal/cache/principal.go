package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mailverify/mailverify/internal/model"
)

// principalTTL bounds how long a cached key stays usable without a lookup.
// Revocation through ForgetKey ends it early.
const principalTTL = 5 * time.Minute

type principalEntry struct {
	KeyID  string   `json:"kid"`
	Prefix string   `json:"kp"`
	UserID string   `json:"uid"`
	Scopes []string `json:"sc"`
	Tier   string   `json:"tier"`
}

// Principal returns the caller cached under a key fingerprint. Misses and
// unreadable entries both report false.
func (c *Cache) Principal(ctx context.Context, fingerprint string) (*model.AuthContext, bool) {
	data, err := c.client.Get(ctx, key("principal", fingerprint)).Bytes()
	if err != nil {
		return nil, false
	}
	var e principalEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, false
	}
	return &model.AuthContext{
		KeyID:         e.KeyID,
		KeyPrefix:     e.Prefix,
		UserID:        e.UserID,
		Scopes:        e.Scopes,
		RateLimitTier: e.Tier,
	}, true
}

// RememberPrincipal caches p under fingerprint and records the fingerprint
// against the key ID so ForgetKey can find it.
func (c *Cache) RememberPrincipal(ctx context.Context, fingerprint string, p *model.AuthContext) error {
	data, err := json.Marshal(principalEntry{
		KeyID:  p.KeyID,
		Prefix: p.KeyPrefix,
		UserID: p.UserID,
		Scopes: p.Scopes,
		Tier:   p.RateLimitTier,
	})
	if err != nil {
		return fmt.Errorf("failed to encode principal: %w", err)
	}

	idx := key("principal", "by-key", p.KeyID)
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, key("principal", fingerprint), data, principalTTL)
	pipe.SAdd(ctx, idx, fingerprint)
	pipe.Expire(ctx, idx, principalTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to cache principal: %w", err)
	}
	return nil
}

// ForgetKey drops every cached principal for a key ID.
func (c *Cache) ForgetKey(ctx context.Context, keyID string) error {
	idx := key("principal", "by-key", keyID)
	fingerprints, err := c.client.SMembers(ctx, idx).Result()
	if err != nil {
		return fmt.Errorf("failed to read principal index: %w", err)
	}
	keys := make([]string, 0, len(fingerprints)+1)
	for _, fp := range fingerprints {
		keys = append(keys, key("principal", fp))
	}
	keys = append(keys, idx)
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to drop cached principals: %w", err)
	}
	return nil
}
