package model

import (
	"slices"
	"time"
)

// API key scopes. Admin implies every other scope.
const (
	ScopeRead   = "read"   // balances, history, task status and downloads
	ScopeVerify = "verify" // anything that spends credits
	ScopeAdmin  = "admin"
)

// ValidScopes lists every scope a key may hold.
var ValidScopes = []string{ScopeRead, ScopeVerify, ScopeAdmin}

// Rate limit tiers.
const (
	TierFree      = "free"
	TierPro       = "pro"
	TierUnlimited = "unlimited"
)

// RequestLimit is a per-key request budget. Zero PerMinute is unlimited.
type RequestLimit struct {
	PerMinute int
	Burst     int
}

var tierLimits = map[string]RequestLimit{
	TierFree:      {PerMinute: 60, Burst: 10},
	TierPro:       {PerMinute: 600, Burst: 50},
	TierUnlimited: {},
}

// LimitForTier returns the request budget of tier. Unknown tiers get the
// free budget.
func LimitForTier(tier string) RequestLimit {
	if l, ok := tierLimits[tier]; ok {
		return l
	}
	return tierLimits[TierFree]
}

// IsValidTier reports whether tier is known.
func IsValidTier(tier string) bool {
	_, ok := tierLimits[tier]
	return ok
}

// APIKey is a stored credential. KeyHash never leaves the repository layer.
type APIKey struct {
	ID            string
	UserID        string
	KeyHash       string
	KeyPrefix     string
	Scopes        []string
	RateLimitTier string
	Name          string
	RevokedAt     *time.Time
	LastUsedAt    *time.Time
	CreatedAt     time.Time
}

// IsRevoked reports whether the key was revoked.
func (k *APIKey) IsRevoked() bool {
	return k.RevokedAt != nil
}

// HasScope reports whether the key holds scope, directly or through admin.
func (k *APIKey) HasScope(scope string) bool {
	return slices.Contains(k.Scopes, ScopeAdmin) || slices.Contains(k.Scopes, scope)
}

// Limit returns the key's request budget.
func (k *APIKey) Limit() RequestLimit {
	return LimitForTier(k.RateLimitTier)
}

// AuthContext is the authenticated caller of a request. The credit and
// task layers only read UserID.
type AuthContext struct {
	KeyID         string
	KeyPrefix     string
	UserID        string
	Scopes        []string
	RateLimitTier string
}
