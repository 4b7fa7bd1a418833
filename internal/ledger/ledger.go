// Package ledger implements the dual-currency credit ledger. Every balance
// change is written together with one append-only ledger entry, so replaying
// a user's entries in order reproduces the current balances.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/mailverify/mailverify/internal/metrics"
	"github.com/mailverify/mailverify/internal/model"
)

var (
	// ErrInsufficientCredits means the combined balance cannot cover the cost.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrInvalidAmount means a non-positive or negative amount was requested.
	ErrInvalidAmount = errors.New("invalid credit amount")
	// ErrAccountNotFound means the user has no credit account yet.
	ErrAccountNotFound = errors.New("credit account not found")
	// ErrInvalidTerm means a subscription would end before it starts.
	ErrInvalidTerm = errors.New("subscription end must be in the future")
)

// SortOrder selects the History ordering.
type SortOrder int

const (
	Newest SortOrder = iota
	Oldest
)

// ParseSortOrder maps "asc"/"oldest" and "desc"/"newest" to a SortOrder.
// Anything else is Newest.
func ParseSortOrder(s string) SortOrder {
	switch s {
	case "asc", "oldest":
		return Oldest
	default:
		return Newest
	}
}

// Ledger authorizes, debits and credits user balances.
type Ledger struct {
	store   Store
	metrics metrics.Recorder
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Ledger over store.
func New(store Store, m metrics.Recorder, logger *slog.Logger) *Ledger {
	if m == nil {
		m = metrics.NewNoop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:   store,
		metrics: m,
		logger:  logger.With("component", "ledger"),
		now:     time.Now,
	}
}

// Authorize checks, without reserving, that the user can spend n credits.
func (l *Ledger) Authorize(ctx context.Context, userID string, n int64) error {
	if n < 0 {
		return ErrInvalidAmount
	}
	bal, err := l.Balance(ctx, userID)
	if err != nil {
		return err
	}
	if bal.Total() < n {
		return ErrInsufficientCredits
	}
	return nil
}

// Debit spends n credits, daily first and then instant. On failure the
// balances are unchanged.
func (l *Ledger) Debit(ctx context.Context, userID string, n int64, reason string) (model.Balances, error) {
	if n <= 0 {
		return model.Balances{}, ErrInvalidAmount
	}
	if reason == "" {
		reason = model.ReasonVerification
	}
	if err := ctx.Err(); err != nil {
		return model.Balances{}, err
	}

	acct, err := l.store.Mutate(ctx, userID, false, func(a *model.CreditAccount) (*model.CreditLedgerEntry, error) {
		if a.DailyBalance+a.InstantBalance < n {
			return nil, ErrInsufficientCredits
		}
		fromDaily := min(a.DailyBalance, n)
		fromInstant := n - fromDaily
		return l.apply(a, -fromDaily, -fromInstant, reason), nil
	})
	if errors.Is(err, ErrAccountNotFound) {
		err = ErrInsufficientCredits
	}
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			l.metrics.IncCreditDebit("insufficient")
			return model.Balances{}, err
		}
		return model.Balances{}, fmt.Errorf("failed to debit credits: %w", err)
	}

	l.metrics.IncCreditDebit("ok")
	return acct.Balances(), nil
}

// Credit adds to either balance. The account is created on first credit.
func (l *Ledger) Credit(ctx context.Context, userID string, dailyDelta, instantDelta int64, reason string) (model.Balances, error) {
	if dailyDelta < 0 || instantDelta < 0 || dailyDelta+instantDelta == 0 {
		return model.Balances{}, ErrInvalidAmount
	}
	if reason == "" {
		reason = model.ReasonAdminGrant
	}

	acct, err := l.store.Mutate(ctx, userID, true, func(a *model.CreditAccount) (*model.CreditLedgerEntry, error) {
		return l.apply(a, dailyDelta, instantDelta, reason), nil
	})
	if err != nil {
		return model.Balances{}, fmt.Errorf("failed to credit account: %w", err)
	}
	return acct.Balances(), nil
}

// Purchase credits instant balance after a successful payment.
func (l *Ledger) Purchase(ctx context.Context, userID string, instantDelta int64, reason string) (model.Balances, error) {
	if instantDelta <= 0 {
		return model.Balances{}, ErrInvalidAmount
	}
	if reason == "" {
		reason = model.ReasonPurchase
	}
	return l.Credit(ctx, userID, 0, instantDelta, reason)
}

// Subscribe sets an open-ended daily allowance restored by ResetDaily and
// credits it to the daily balance now.
func (l *Ledger) Subscribe(ctx context.Context, userID string, dailyDelta int64, reason string) (model.Balances, error) {
	return l.SubscribeUntil(ctx, userID, dailyDelta, time.Time{}, reason)
}

// SubscribeUntil is Subscribe for a subscription that stops being reset at
// endsAt. A zero endsAt is open-ended.
func (l *Ledger) SubscribeUntil(ctx context.Context, userID string, dailyDelta int64, endsAt time.Time, reason string) (model.Balances, error) {
	if dailyDelta <= 0 {
		return model.Balances{}, ErrInvalidAmount
	}
	var ends *time.Time
	if !endsAt.IsZero() {
		if !endsAt.After(l.now()) {
			return model.Balances{}, ErrInvalidTerm
		}
		endsAt = endsAt.UTC()
		ends = &endsAt
	}
	if reason == "" {
		reason = model.ReasonSubscription
	}

	acct, err := l.store.Mutate(ctx, userID, true, func(a *model.CreditAccount) (*model.CreditLedgerEntry, error) {
		a.DailyAllowance = dailyDelta
		a.SubscriptionEndsAt = ends
		return l.apply(a, dailyDelta, 0, reason), nil
	})
	if err != nil {
		return model.Balances{}, fmt.Errorf("failed to subscribe: %w", err)
	}
	return acct.Balances(), nil
}

// Grant credits an account on behalf of an administrator.
func (l *Ledger) Grant(ctx context.Context, userID string, dailyDelta, instantDelta int64) (model.Balances, error) {
	return l.Credit(ctx, userID, dailyDelta, instantDelta, model.ReasonAdminGrant)
}

// ResetDaily restores the daily balance of every active subscription to its
// allowance, at most once per UTC day. Expired subscriptions are left alone.
// It returns how many accounts changed.
func (l *Ledger) ResetDaily(ctx context.Context) (int, error) {
	now := l.now()
	today := model.Day(now)
	users, err := l.store.ListSubscribed(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to list subscribed accounts: %w", err)
	}

	var (
		reset int
		errs  []error
	)
	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		changed := false
		_, err := l.store.Mutate(ctx, userID, false, func(a *model.CreditAccount) (*model.CreditLedgerEntry, error) {
			// Rechecked under the account lock.
			if !a.SubscriptionActive(now) || !a.ResetDue(today) {
				return nil, nil
			}
			a.LastResetOn = &today
			delta := a.DailyAllowance - a.DailyBalance
			if delta == 0 {
				return nil, nil
			}
			changed = true
			return l.apply(a, delta, 0, model.ReasonDailyReset), nil
		})
		if err != nil {
			l.logger.Error("daily reset failed", "user_id", userID, "error", err)
			errs = append(errs, fmt.Errorf("user %s: %w", userID, err))
			continue
		}
		if changed {
			reset++
		}
	}

	l.logger.Info("daily credits reset", "accounts", reset, "subscribed", len(users))
	return reset, errors.Join(errs...)
}

// Balance returns the user's balances. Unknown users have zero balances.
func (l *Ledger) Balance(ctx context.Context, userID string) (model.Balances, error) {
	acct, err := l.store.GetAccount(ctx, userID)
	if errors.Is(err, ErrAccountNotFound) {
		return model.Balances{}, nil
	}
	if err != nil {
		return model.Balances{}, fmt.Errorf("failed to get credit account: %w", err)
	}
	return acct.Balances(), nil
}

// History returns the user's ledger entries.
func (l *Ledger) History(ctx context.Context, userID string, order SortOrder) ([]model.CreditLedgerEntry, error) {
	entries, err := l.store.ListEntries(ctx, userID, order == Newest)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	return entries, nil
}

// apply moves the balances of a and describes the move as an entry.
func (l *Ledger) apply(a *model.CreditAccount, dailyDelta, instantDelta int64, reason string) *model.CreditLedgerEntry {
	now := l.now().UTC()
	a.DailyBalance += dailyDelta
	a.InstantBalance += instantDelta
	a.UpdatedAt = now

	return &model.CreditLedgerEntry{
		ID:                  ulid.Make().String(),
		UserID:              a.UserID,
		Reason:              reason,
		DailyDelta:          dailyDelta,
		InstantDelta:        instantDelta,
		DailyBalanceAfter:   a.DailyBalance,
		InstantBalanceAfter: a.InstantBalance,
		CreatedAt:           now,
	}
}
