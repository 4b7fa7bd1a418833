package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/mailverify/mailverify/internal/model"
)

var (
	ErrUserNotFound = errors.New("user not found")
	// ErrUserConflict means the ID or the email already belongs to a
	// different user.
	ErrUserConflict = errors.New("user conflicts with an existing user")
)

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (r *Repository) getUser(ctx context.Context, where string, arg string) (*model.User, error) {
	var u model.User
	err := r.pool.QueryRow(ctx, "SELECT id, email, created_at FROM users WHERE "+where, arg).
		Scan(&u.ID, &u.Email, &u.CreatedAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, ErrUserNotFound
	case err != nil:
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

// GetUserByID returns the user with id.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	return r.getUser(ctx, "id = $1", id)
}

// GetUserByEmail looks a user up by email, ignoring case.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return r.getUser(ctx, "LOWER(email) = $1", normalizeEmail(email))
}

// CreateUser stores u with its email lowercased. A taken ID or email
// returns ErrUserConflict.
func (r *Repository) CreateUser(ctx context.Context, u *model.User) error {
	u.Email = normalizeEmail(u.Email)
	_, err := r.pool.Exec(ctx, "INSERT INTO users (id, email, created_at) VALUES ($1, $2, $3)", u.ID, u.Email, u.CreatedAt)
	if isUniqueViolation(err) {
		return ErrUserConflict
	}
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// EnsureUser creates u unless a user with the same ID and email exists. It
// returns ErrUserConflict when only one of the two matches.
func (r *Repository) EnsureUser(ctx context.Context, u *model.User) error {
	err := r.CreateUser(ctx, u)
	if !errors.Is(err, ErrUserConflict) {
		return err
	}
	existing, err := r.GetUserByID(ctx, u.ID)
	if errors.Is(err, ErrUserNotFound) {
		return ErrUserConflict
	}
	if err != nil {
		return err
	}
	if existing.Email != u.Email {
		return ErrUserConflict
	}
	*u = *existing
	return nil
}
