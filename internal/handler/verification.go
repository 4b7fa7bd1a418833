package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/mailverify/mailverify/internal/auth"
	"github.com/mailverify/mailverify/internal/handler/dto"
	"github.com/mailverify/mailverify/internal/model"
)

// Page sizes of GET /verifications.
const (
	defaultVerificationLimit = 100
	maxVerificationLimit     = 1000
)

// VerificationRecorder stores single-address results.
type VerificationRecorder interface {
	RecordVerification(ctx context.Context, rec *model.VerificationRecord) error
}

// VerificationStore is the per-user verification history.
type VerificationStore interface {
	VerificationRecorder
	ListVerifications(ctx context.Context, userID string, limit int) ([]model.VerificationRecord, error)
	SummarizeVerifications(ctx context.Context, userID string) (*model.VerificationSummary, error)
}

// VerificationHandler serves the caller's verification history.
type VerificationHandler struct {
	store  VerificationStore
	logger *slog.Logger
}

// NewVerificationHandler creates a VerificationHandler.
func NewVerificationHandler(store VerificationStore, logger *slog.Logger) *VerificationHandler {
	return &VerificationHandler{
		store:  store,
		logger: logger.With("handler", "verification"),
	}
}

// List handles GET /api/v1/verifications?limit=N.
func (h *VerificationHandler) List(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.FromContext(r.Context())
	if authCtx == nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
		return
	}

	limit := defaultVerificationLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", "limit must be a positive integer")
			return
		}
		limit = min(n, maxVerificationLimit)
	}

	recs, err := h.store.ListVerifications(r.Context(), authCtx.UserID, limit)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.VerificationListResponse{Verifications: recs})
}

// Summary handles GET /api/v1/verifications/summary.
func (h *VerificationHandler) Summary(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.FromContext(r.Context())
	if authCtx == nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
		return
	}

	sum, err := h.store.SummarizeVerifications(r.Context(), authCtx.UserID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
