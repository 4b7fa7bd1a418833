package repository

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/mailverify/mailverify/internal/model"
)

// DefaultMemoryVerifications is how many records MemoryVerifications keeps
// per user. Summaries still count evicted records.
const DefaultMemoryVerifications = 10_000

// MemoryVerifications keeps recent verification records in process memory.
type MemoryVerifications struct {
	limit int

	mu      sync.Mutex
	records map[string][]model.VerificationRecord
	totals  map[string]*model.VerificationSummary
}

// NewMemoryVerifications creates a store holding up to limit records a user.
func NewMemoryVerifications(limit int) *MemoryVerifications {
	if limit <= 0 {
		limit = DefaultMemoryVerifications
	}
	return &MemoryVerifications{
		limit:   limit,
		records: make(map[string][]model.VerificationRecord),
		totals:  make(map[string]*model.VerificationSummary),
	}
}

// RecordVerification stores rec, assigning an ID when it has none.
func (s *MemoryVerifications) RecordVerification(_ context.Context, rec *model.VerificationRecord) error {
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	recs := append(s.records[rec.UserID], *rec)
	if len(recs) > s.limit {
		recs = slices.Delete(recs, 0, len(recs)-s.limit)
	}
	s.records[rec.UserID] = recs

	sum, ok := s.totals[rec.UserID]
	if !ok {
		sum = &model.VerificationSummary{}
		s.totals[rec.UserID] = sum
	}
	sum.Add(rec.Status, 1, rec.CreatedAt)
	return nil
}

// ListVerifications returns up to limit of the user's records, newest first.
func (s *MemoryVerifications) ListVerifications(_ context.Context, userID string, limit int) ([]model.VerificationRecord, error) {
	s.mu.Lock()
	recs := slices.Clone(s.records[userID])
	s.mu.Unlock()

	slices.Reverse(recs)
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	if recs == nil {
		recs = []model.VerificationRecord{}
	}
	return recs, nil
}

// SummarizeVerifications counts the user's records by status.
func (s *MemoryVerifications) SummarizeVerifications(_ context.Context, userID string) (*model.VerificationSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum, ok := s.totals[userID]
	if !ok {
		return &model.VerificationSummary{ByStatus: map[string]int64{}}, nil
	}
	out := *sum
	out.ByStatus = maps.Clone(sum.ByStatus)
	if sum.LastVerifiedAt != nil {
		last := *sum.LastVerifiedAt
		out.LastVerifiedAt = &last
	}
	return &out, nil
}
