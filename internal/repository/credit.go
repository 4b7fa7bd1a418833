package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mailverify/mailverify/internal/ledger"
	"github.com/mailverify/mailverify/internal/model"
)

// Repository implements ledger.Store.
var _ ledger.Store = (*Repository)(nil)

// Mutate locks the user's account row, applies fn and stores the result
// together with its ledger entry in one transaction.
func (r *Repository) Mutate(ctx context.Context, userID string, create bool, fn ledger.MutateFunc) (*model.CreditAccount, error) {
	var result *model.CreditAccount

	err := r.withTx(ctx, func(tx pgx.Tx) error {
		if create {
			_, err := tx.Exec(ctx, `
				INSERT INTO credit_accounts (user_id, updated_at)
				VALUES ($1, $2)
				ON CONFLICT (user_id) DO NOTHING
			`, userID, time.Now().UTC())
			if err != nil {
				return fmt.Errorf("failed to create credit account: %w", err)
			}
		}

		acct, err := scanCreditAccount(tx.QueryRow(ctx, selectCreditAccount+`
			WHERE user_id = $1
			FOR UPDATE
		`, userID))
		if err != nil {
			return err
		}

		next := *acct
		entry, err := fn(&next)
		if err != nil {
			return err
		}
		if entry != nil {
			next.UpdatedAt = entry.CreatedAt
		}

		_, err = tx.Exec(ctx, `
			UPDATE credit_accounts
			SET daily_balance = $2, instant_balance = $3, daily_allowance = $4,
				subscription_ends_at = $5, last_reset_on = $6, updated_at = $7
			WHERE user_id = $1
		`,
			userID,
			next.DailyBalance,
			next.InstantBalance,
			next.DailyAllowance,
			next.SubscriptionEndsAt,
			next.LastResetOn,
			next.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to update credit account: %w", err)
		}
		if entry == nil {
			result = &next
			return nil
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO credit_ledger_entries
				(id, user_id, reason, daily_delta, instant_delta, daily_balance_after, instant_balance_after, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`,
			entry.ID,
			userID,
			entry.Reason,
			entry.DailyDelta,
			entry.InstantDelta,
			entry.DailyBalanceAfter,
			entry.InstantBalanceAfter,
			entry.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert ledger entry: %w", err)
		}

		result = &next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetAccount retrieves a user's credit account.
func (r *Repository) GetAccount(ctx context.Context, userID string) (*model.CreditAccount, error) {
	return scanCreditAccount(r.pool.QueryRow(ctx, selectCreditAccount+`WHERE user_id = $1`, userID))
}

// ListEntries returns a user's ledger in insertion order, or reversed.
func (r *Repository) ListEntries(ctx context.Context, userID string, newestFirst bool) ([]model.CreditLedgerEntry, error) {
	order := "ASC"
	if newestFirst {
		order = "DESC"
	}
	query := `
		SELECT id, user_id, reason, daily_delta, instant_delta, daily_balance_after, instant_balance_after, created_at
		FROM credit_ledger_entries
		WHERE user_id = $1
		ORDER BY seq ` + order

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer rows.Close()

	entries := make([]model.CreditLedgerEntry, 0)
	for rows.Next() {
		var e model.CreditLedgerEntry
		if err := rows.Scan(
			&e.ID,
			&e.UserID,
			&e.Reason,
			&e.DailyDelta,
			&e.InstantDelta,
			&e.DailyBalanceAfter,
			&e.InstantBalanceAfter,
			&e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger entries: %w", err)
	}
	return entries, nil
}

// ListSubscribed returns users due a daily reset at now.
func (r *Repository) ListSubscribed(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT user_id FROM credit_accounts
		WHERE daily_allowance > 0
			AND (subscription_ends_at IS NULL OR subscription_ends_at > $1)
			AND (last_reset_on IS NULL OR last_reset_on < $2)
		ORDER BY user_id
	`, now, model.Day(now))
	if err != nil {
		return nil, fmt.Errorf("failed to list subscribed accounts: %w", err)
	}
	users, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan subscribed accounts: %w", err)
	}
	return users, nil
}

const selectCreditAccount = `
	SELECT user_id, daily_balance, instant_balance, daily_allowance,
		subscription_ends_at, last_reset_on, updated_at
	FROM credit_accounts
`

func scanCreditAccount(row pgx.Row) (*model.CreditAccount, error) {
	var acct model.CreditAccount
	err := row.Scan(
		&acct.UserID,
		&acct.DailyBalance,
		&acct.InstantBalance,
		&acct.DailyAllowance,
		&acct.SubscriptionEndsAt,
		&acct.LastResetOn,
		&acct.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ledger.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get credit account: %w", err)
	}
	return &acct, nil
}
