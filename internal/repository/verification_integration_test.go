//go:build integration

package repository

import (
	"testing"
	"time"

	"github.com/mailverify/mailverify/internal/model"
	"github.com/mailverify/mailverify/internal/testutil"
)

func TestIntegrationVerificationRepository_RecordListSummarize(t *testing.T) {
	ctx, repo := newRepoTestEnv(t)
	userID := testutil.UniqueID("user")
	base := time.Now().UTC().Truncate(time.Millisecond)

	statuses := []model.Status{model.StatusValid, model.StatusDisposable, model.StatusValid}
	for i, status := range statuses {
		res := &model.VerificationResult{Email: "jane@example.com", Status: status, Score: 80, Grade: "B"}
		if err := repo.RecordVerification(ctx, model.RecordOf(userID, res, base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("RecordVerification failed: %v", err)
		}
	}

	recs, err := repo.ListVerifications(ctx, userID, 10)
	if err != nil {
		t.Fatalf("ListVerifications failed: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(recs))
	}
	if !recs[0].CreatedAt.Equal(base.Add(2 * time.Second)) {
		t.Errorf("Expected newest first, got %v", recs[0].CreatedAt)
	}
	if recs[1].Status != model.StatusDisposable || recs[1].Grade != "B" || recs[1].Score != 80 {
		t.Errorf("Unexpected record: %+v", recs[1])
	}

	sum, err := repo.SummarizeVerifications(ctx, userID)
	if err != nil {
		t.Fatalf("SummarizeVerifications failed: %v", err)
	}
	if sum.Total != 3 || sum.Valid != 2 || sum.Invalid != 1 || sum.ByStatus["disposable"] != 1 {
		t.Errorf("Unexpected summary: %+v", sum)
	}
	if sum.LastVerifiedAt == nil || !sum.LastVerifiedAt.Equal(base.Add(2*time.Second)) {
		t.Errorf("Unexpected last verified time: %v", sum.LastVerifiedAt)
	}

	empty, err := repo.SummarizeVerifications(ctx, testutil.UniqueID("user"))
	if err != nil {
		t.Fatalf("SummarizeVerifications failed: %v", err)
	}
	if empty.Total != 0 || empty.LastVerifiedAt != nil {
		t.Errorf("Expected empty summary, got %+v", empty)
	}
}
