package model

import "testing"

func TestAPIKey_HasScope(t *testing.T) {
	tests := []struct {
		scopes []string
		check  string
		want   bool
	}{
		{[]string{ScopeRead, ScopeVerify}, ScopeVerify, true},
		{[]string{ScopeRead}, ScopeVerify, false},
		{[]string{ScopeAdmin}, ScopeVerify, true},
		{[]string{ScopeAdmin}, ScopeRead, true},
		{nil, ScopeRead, false},
	}
	for _, tt := range tests {
		k := &APIKey{Scopes: tt.scopes}
		if got := k.HasScope(tt.check); got != tt.want {
			t.Errorf("%v.HasScope(%q) = %v, want %v", tt.scopes, tt.check, got, tt.want)
		}
	}
}

func TestLimitForTier(t *testing.T) {
	tests := []struct {
		tier string
		want RequestLimit
	}{
		{TierFree, RequestLimit{PerMinute: 60, Burst: 10}},
		{TierPro, RequestLimit{PerMinute: 600, Burst: 50}},
		{TierUnlimited, RequestLimit{}},
		{"enterprise", RequestLimit{PerMinute: 60, Burst: 10}},
		{"", RequestLimit{PerMinute: 60, Burst: 10}},
	}
	for _, tt := range tests {
		if got := LimitForTier(tt.tier); got != tt.want {
			t.Errorf("LimitForTier(%q) = %+v, want %+v", tt.tier, got, tt.want)
		}
	}
	if IsValidTier("enterprise") || !IsValidTier(TierPro) {
		t.Error("IsValidTier disagrees with the tier table")
	}
}

func TestAPIKey_Lifecycle(t *testing.T) {
	k := &APIKey{RateLimitTier: TierPro}
	if k.IsRevoked() {
		t.Error("new key reported revoked")
	}
	if k.Limit().PerMinute != 600 {
		t.Errorf("Limit() = %+v", k.Limit())
	}
}
