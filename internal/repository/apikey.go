package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"

	"github.com/mailverify/mailverify/internal/model"
)

var ErrAPIKeyNotFound = errors.New("API key not found")

const selectAPIKey = `
	SELECT id, user_id, key_hash, key_prefix, scopes, rate_limit_tier, name, revoked_at, last_used_at, created_at
	FROM api_keys`

func scanAPIKey(row pgx.Row) (*model.APIKey, error) {
	k := new(model.APIKey)
	err := row.Scan(&k.ID, &k.UserID, &k.KeyHash, &k.KeyPrefix, pq.Array(&k.Scopes),
		&k.RateLimitTier, &k.Name, &k.RevokedAt, &k.LastUsedAt, &k.CreatedAt)
	if err != nil {
		return nil, err
	}
	if k.Scopes == nil {
		k.Scopes = []string{}
	}
	return k, nil
}

func (r *Repository) listAPIKeys(ctx context.Context, where string, args ...any) ([]*model.APIKey, error) {
	rows, err := r.pool.Query(ctx, selectAPIKey+" "+where, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*model.APIKey, error) {
		return scanAPIKey(row)
	})
}

// CreateAPIKey stores a new key. Only the hash of the secret is kept.
func (r *Repository) CreateAPIKey(ctx context.Context, k *model.APIKey) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO api_keys (id, user_id, key_hash, key_prefix, scopes, rate_limit_tier, name, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, k.ID, k.UserID, k.KeyHash, k.KeyPrefix, pq.Array(k.Scopes), k.RateLimitTier, k.Name, k.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create API key: %w", err)
	}
	return nil
}

// GetAPIKeyByID returns a key whether or not it is revoked.
func (r *Repository) GetAPIKeyByID(ctx context.Context, id string) (*model.APIKey, error) {
	k, err := scanAPIKey(r.pool.QueryRow(ctx, selectAPIKey+" WHERE id = $1", id))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, ErrAPIKeyNotFound
	case err != nil:
		return nil, fmt.Errorf("failed to get API key: %w", err)
	}
	return k, nil
}

// GetAPIKeysByPrefix returns the live keys sharing a public prefix, the
// candidates an authenticator compares hashes against.
func (r *Repository) GetAPIKeysByPrefix(ctx context.Context, prefix string) ([]*model.APIKey, error) {
	keys, err := r.listAPIKeys(ctx, "WHERE key_prefix = $1 AND revoked_at IS NULL", prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to get API keys by prefix: %w", err)
	}
	return keys, nil
}

// ListAPIKeysByUserID returns every key of a user, newest first.
func (r *Repository) ListAPIKeysByUserID(ctx context.Context, userID string) ([]*model.APIKey, error) {
	keys, err := r.listAPIKeys(ctx, "WHERE user_id = $1 ORDER BY created_at DESC", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list API keys: %w", err)
	}
	return keys, nil
}

// RevokeAPIKey revokes a live key regardless of owner.
func (r *Repository) RevokeAPIKey(ctx context.Context, id string) error {
	return r.revoke(ctx, "id = $2", id)
}

// RevokeUserAPIKey revokes a live key owned by userID. Keys of other users
// report ErrAPIKeyNotFound.
func (r *Repository) RevokeUserAPIKey(ctx context.Context, userID, id string) error {
	return r.revoke(ctx, "id = $2 AND user_id = $3", id, userID)
}

func (r *Repository) revoke(ctx context.Context, match string, args ...any) error {
	args = append([]any{time.Now().UTC()}, args...)
	tag, err := r.pool.Exec(ctx, "UPDATE api_keys SET revoked_at = $1 WHERE revoked_at IS NULL AND "+match, args...)
	if err != nil {
		return fmt.Errorf("failed to revoke API key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAPIKeyNotFound
	}
	return nil
}

// UpdateAPIKeyLastUsed stamps a key after a successful authentication.
func (r *Repository) UpdateAPIKeyLastUsed(ctx context.Context, id string) error {
	if _, err := r.pool.Exec(ctx, "UPDATE api_keys SET last_used_at = $2 WHERE id = $1", id, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to touch API key: %w", err)
	}
	return nil
}
