package model

import "time"

// Ledger reasons written by the core.
const (
	ReasonVerification = "Verification"
	ReasonPurchase     = "Purchase"
	ReasonSubscription = "Subscription"
	ReasonDailyReset   = "Daily Reset"
	ReasonAdminGrant   = "Admin Grant"
)

// Balances is a snapshot of both currencies.
type Balances struct {
	Daily   int64 `json:"daily"`
	Instant int64 `json:"instant"`
}

// Total returns the spendable sum.
func (b Balances) Total() int64 {
	return b.Daily + b.Instant
}

// CreditAccount holds a user's two balances.
// DailyAllowance is the amount the daily reset restores; zero means unsubscribed.
// A nil SubscriptionEndsAt is an open-ended subscription.
type CreditAccount struct {
	UserID             string     `json:"user_id"`
	DailyBalance       int64      `json:"daily_balance"`
	InstantBalance     int64      `json:"instant_balance"`
	DailyAllowance     int64      `json:"daily_allowance"`
	SubscriptionEndsAt *time.Time `json:"subscription_ends_at,omitempty"`
	LastResetOn        *time.Time `json:"last_reset_on,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// SubscriptionActive reports whether the daily allowance applies at now.
func (a *CreditAccount) SubscriptionActive(now time.Time) bool {
	if a.DailyAllowance <= 0 {
		return false
	}
	return a.SubscriptionEndsAt == nil || now.Before(*a.SubscriptionEndsAt)
}

// ResetDue reports whether the daily reset has not yet run on day.
func (a *CreditAccount) ResetDue(day time.Time) bool {
	return a.LastResetOn == nil || a.LastResetOn.Before(day)
}

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Balances returns the account's current balances.
func (a *CreditAccount) Balances() Balances {
	return Balances{Daily: a.DailyBalance, Instant: a.InstantBalance}
}

// CreditLedgerEntry is an append-only audit row. Never mutated after insert.
type CreditLedgerEntry struct {
	ID                  string    `json:"id"`
	UserID              string    `json:"user_id"`
	Reason              string    `json:"reason"`
	DailyDelta          int64     `json:"daily_delta"`
	InstantDelta        int64     `json:"instant_delta"`
	DailyBalanceAfter   int64     `json:"daily_balance_after"`
	InstantBalanceAfter int64     `json:"instant_balance_after"`
	CreatedAt           time.Time `json:"created_at"`
}
