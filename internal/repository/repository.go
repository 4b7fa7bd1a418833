// Package repository persists keys, users, credit accounts and bulk tasks in
// PostgreSQL. The Memory* stores back single-node runs without a database.
package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool sizing. Bulk workers hold a connection for each debit.
const (
	maxConns = 20
	minConns = 2
)

// Repository is the Postgres store.
type Repository struct {
	pool *pgxpool.Pool
}

// New connects to databaseURL and checks the connection.
func New(ctx context.Context, databaseURL string) (*Repository, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid database URL: %w", err)
	}
	cfg.MaxConns = maxConns
	cfg.MinConns = minConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}
	return &Repository{pool: pool}, nil
}

// Ping implements the readiness check.
func (r *Repository) Ping(ctx context.Context) error { return r.pool.Ping(ctx) }

// Close releases the pool.
func (r *Repository) Close() { r.pool.Close() }

// Pool exposes the pool to migrations and tests.
func (r *Repository) Pool() *pgxpool.Pool { return r.pool }

// withTx runs fn in a transaction and commits when fn succeeds.
func (r *Repository) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return pgx.BeginTxFunc(ctx, r.pool, pgx.TxOptions{}, fn)
}
