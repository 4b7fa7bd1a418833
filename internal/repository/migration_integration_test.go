//go:build integration

package repository

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mailverify/mailverify/internal/testutil"
)

var schemaColumns = map[string][]string{
	"users": {"id", "email", "created_at"},
	"api_keys": {"id", "user_id", "key_hash", "key_prefix", "scopes", "rate_limit_tier",
		"name", "revoked_at", "last_used_at", "created_at"},
	"credit_accounts": {"user_id", "daily_balance", "instant_balance", "daily_allowance",
		"subscription_ends_at", "last_reset_on", "updated_at"},
	"credit_ledger_entries": {"id", "seq", "user_id", "reason", "daily_delta", "instant_delta",
		"daily_balance_after", "instant_balance_after", "created_at"},
	"verifications": {"id", "user_id", "email", "status", "score", "grade", "created_at"},
	"bulk_tasks": {"id", "user_id", "filename", "sources", "status", "total_emails", "processed",
		"progress", "safe_count", "unknown_count", "error", "started_at", "completed_at"},
}

func columns(t *testing.T, ctx context.Context, pool *pgxpool.Pool, table string) map[string]bool {
	t.Helper()
	rows, err := pool.Query(ctx, `
		SELECT column_name FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name = $1
	`, table)
	if err != nil {
		t.Fatalf("query columns of %s: %v", table, err)
	}
	defer rows.Close()
	out := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("scan: %v", err)
		}
		out[name] = true
	}
	return out
}

func TestIntegrationMigration_Schema(t *testing.T) {
	pool := testutil.FreshDB(t)
	ctx := context.Background()

	for table, want := range schemaColumns {
		have := columns(t, ctx, pool, table)
		if len(have) == 0 {
			t.Errorf("table %s missing", table)
			continue
		}
		for _, col := range want {
			if !have[col] {
				t.Errorf("%s.%s missing", table, col)
			}
		}
	}
}

func TestIntegrationMigration_Constraints(t *testing.T) {
	pool := testutil.FreshDB(t)
	ctx := context.Background()

	bad := map[string]string{
		"negative balance": `INSERT INTO credit_accounts (user_id, daily_balance, instant_balance) VALUES ('neg', -1, 0)`,
		"orphan entry": `INSERT INTO credit_ledger_entries
			(id, user_id, reason, daily_delta, instant_delta, daily_balance_after, instant_balance_after)
			VALUES ('orphan', 'missing-account', 'Verification', 0, -1, 0, 0)`,
		"unknown status": `INSERT INTO bulk_tasks (id, user_id, status) VALUES ('t1', 'u1', 'paused')`,
		"unknown tier":   `INSERT INTO api_keys (id, user_id, key_hash, key_prefix, rate_limit_tier) VALUES ('k', 'u', 'h', 'p', 'gold')`,
	}
	for name, stmt := range bad {
		if _, err := pool.Exec(ctx, stmt); err == nil {
			t.Errorf("%s: insert accepted", name)
		}
	}
}

func TestIntegrationMigration_DownThenUp(t *testing.T) {
	pool := testutil.FreshDB(t)
	ctx := context.Background()

	if err := testutil.ApplyMigration(ctx, pool, "000003_credits", "down"); err != nil {
		t.Fatalf("down: %v", err)
	}
	if len(columns(t, ctx, pool, "credit_accounts")) != 0 {
		t.Error("credit_accounts survived rollback")
	}
	if err := testutil.ApplyMigration(ctx, pool, "000003_credits", "up"); err != nil {
		t.Fatalf("up: %v", err)
	}
}

func TestIntegrationMigration_UpIsRepeatable(t *testing.T) {
	pool := testutil.FreshDB(t)
	names, err := testutil.Migrations()
	if err != nil {
		t.Fatalf("Migrations: %v", err)
	}
	for _, name := range names {
		if err := testutil.ApplyMigration(context.Background(), pool, name, "up"); err != nil {
			t.Errorf("reapplying %s: %v", name, err)
		}
	}
}
