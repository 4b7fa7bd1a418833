// Package testutil holds fixtures shared by integration tests.
package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/mailverify/mailverify/internal/model"
)

// RequireEnv returns the value of name or skips the test.
func RequireEnv(t testing.TB, name string) string {
	t.Helper()
	v := os.Getenv(name)
	if v == "" {
		t.Skipf("%s not set", name)
	}
	return v
}

// schemaLock serializes packages that reset the shared test database.
const schemaLock int64 = 0x6d76

// FreshDB connects to DATABASE_URL, holds the schema lock for the rest of
// the test and rebuilds the schema from migrations.
func FreshDB(t testing.TB) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test")
	}
	url := RequireEnv(t, "DATABASE_URL")
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	conn, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", schemaLock); err != nil {
		conn.Release()
		t.Fatalf("lock schema: %v", err)
	}
	t.Cleanup(func() {
		_, _ = conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", schemaLock)
		conn.Release()
	})

	if err := ResetSchema(ctx, pool); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	return pool
}

func migrationsDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "migrations")
}

// Migrations returns the migration names in apply order.
func Migrations() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(migrationsDir(), "*.up.sql"))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no migrations in %s", migrationsDir())
	}
	names := make([]string, len(files))
	for i, f := range files {
		names[i] = strings.TrimSuffix(filepath.Base(f), ".up.sql")
	}
	slices.Sort(names)
	return names, nil
}

// ApplyMigration runs the "up" or "down" half of migration name.
func ApplyMigration(ctx context.Context, pool *pgxpool.Pool, name, direction string) error {
	sql, err := os.ReadFile(filepath.Join(migrationsDir(), name+"."+direction+".sql"))
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, string(sql)); err != nil {
		return fmt.Errorf("%s %s: %w", name, direction, err)
	}
	return nil
}

// ResetSchema rolls every migration back and applies them again.
func ResetSchema(ctx context.Context, pool *pgxpool.Pool) error {
	names, err := Migrations()
	if err != nil {
		return err
	}
	for _, name := range slices.Backward(names) {
		if err := ApplyMigration(ctx, pool, name, "down"); err != nil {
			return err
		}
	}
	for _, name := range names {
		if err := ApplyMigration(ctx, pool, name, "up"); err != nil {
			return err
		}
	}
	return nil
}

// FlushRedis empties the selected Redis database.
func FlushRedis(ctx context.Context, client *redis.Client) error {
	return client.FlushDB(ctx).Err()
}

// UniqueID returns prefix followed by a fresh ULID.
func UniqueID(prefix string) string {
	return prefix + "-" + ulid.Make().String()
}

// NewTestAPIKey returns an unsaved free-tier key with read and verify
// scopes. The hash is a placeholder; authentication tests issue real keys.
func NewTestAPIKey(t testing.TB, userID string) *model.APIKey {
	t.Helper()
	id := UniqueID("key")
	return &model.APIKey{
		ID:            id,
		UserID:        userID,
		KeyHash:       "hash-" + id,
		KeyPrefix:     strings.ToLower(id[len(id)-6:]),
		Scopes:        []string{model.ScopeRead, model.ScopeVerify},
		RateLimitTier: model.TierFree,
		Name:          "fixture",
		CreatedAt:     time.Now().UTC().Truncate(time.Microsecond),
	}
}

// NewTestTask returns an unsaved queued task with one source file.
func NewTestTask(t testing.TB, userID string) *model.BulkTask {
	t.Helper()
	id := UniqueID("task")
	return &model.BulkTask{
		ID:          id,
		UserID:      userID,
		Filename:    "list.csv",
		Sources:     []string{"tasks/" + id + "/source/0-list.csv"},
		Status:      model.TaskQueued,
		TotalEmails: 10,
		CreatedAt:   time.Now().UTC().Truncate(time.Microsecond),
	}
}
