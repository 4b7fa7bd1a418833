package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"

	"github.com/mailverify/mailverify/internal/model"
)

// RecordVerification inserts one verification record.
func (r *Repository) RecordVerification(ctx context.Context, rec *model.VerificationRecord) error {
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO verifications (id, user_id, email, status, score, grade, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		rec.ID,
		rec.UserID,
		rec.Email,
		rec.Status.String(),
		rec.Score,
		rec.Grade,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record verification: %w", err)
	}
	return nil
}

// ListVerifications returns up to limit of the user's records, newest first.
func (r *Repository) ListVerifications(ctx context.Context, userID string, limit int) ([]model.VerificationRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, email, status, score, grade, created_at
		FROM verifications
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list verifications: %w", err)
	}

	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.VerificationRecord, error) {
		var (
			rec    model.VerificationRecord
			status string
		)
		if err := row.Scan(&rec.ID, &rec.UserID, &rec.Email, &status, &rec.Score, &rec.Grade, &rec.CreatedAt); err != nil {
			return rec, err
		}
		return rec, rec.Status.UnmarshalText([]byte(status))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan verifications: %w", err)
	}
	if recs == nil {
		recs = []model.VerificationRecord{}
	}
	return recs, nil
}

// SummarizeVerifications counts the user's records by status.
func (r *Repository) SummarizeVerifications(ctx context.Context, userID string) (*model.VerificationSummary, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT status, COUNT(*), MAX(created_at)
		FROM verifications
		WHERE user_id = $1
		GROUP BY status
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize verifications: %w", err)
	}
	defer rows.Close()

	sum := &model.VerificationSummary{ByStatus: map[string]int64{}}
	for rows.Next() {
		var (
			name string
			n    int64
			last time.Time
		)
		if err := rows.Scan(&name, &n, &last); err != nil {
			return nil, fmt.Errorf("failed to scan verification summary: %w", err)
		}
		status, err := model.ParseStatus(name)
		if err != nil {
			return nil, err
		}
		sum.Add(status, n, last)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating verification summary: %w", err)
	}
	return sum, nil
}
