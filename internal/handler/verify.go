package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mailverify/mailverify/internal/auth"
	"github.com/mailverify/mailverify/internal/handler/dto"
	"github.com/mailverify/mailverify/internal/model"
	"github.com/mailverify/mailverify/internal/pipeline"
)

// maxAddressLen is the RFC 5321 path limit.
const maxAddressLen = 254

const recordTimeout = 5 * time.Second

// Debiter spends credits.
type Debiter interface {
	Debit(ctx context.Context, userID string, n int64, reason string) (model.Balances, error)
}

// VerifyHandler serves single-address verification.
type VerifyHandler struct {
	verifier pipeline.Verifier
	credits  Debiter
	history  VerificationRecorder
	timeout  time.Duration
	logger   *slog.Logger
}

// NewVerifyHandler creates a VerifyHandler. A zero timeout leaves the
// request context as the only bound.
func NewVerifyHandler(verifier pipeline.Verifier, credits Debiter, timeout time.Duration, logger *slog.Logger) *VerifyHandler {
	return &VerifyHandler{
		verifier: verifier,
		credits:  credits,
		timeout:  timeout,
		logger:   logger.With("handler", "verify"),
	}
}

// RecordTo keeps a record of every answered verification in rec.
func (h *VerifyHandler) RecordTo(rec VerificationRecorder) {
	h.history = rec
}

// Verify handles POST /api/v1/verify.
// One credit is charged before the address is checked.
func (h *VerifyHandler) Verify(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.FromContext(r.Context())
	if authCtx == nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
		return
	}

	var req dto.VerifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "Invalid request body")
		return
	}
	email := strings.TrimSpace(req.Email)
	if email == "" {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "email is required")
		return
	}
	if len(email) > maxAddressLen {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "email exceeds maximum length")
		return
	}

	balances, err := h.credits.Debit(r.Context(), authCtx.UserID, 1, model.ReasonVerification)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	ctx := r.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	res := h.verifier.Verify(ctx, email)
	h.record(r.Context(), authCtx.UserID, &res)

	h.logger.Info("address_verified",
		"user_id", authCtx.UserID,
		"status", res.Status.String(),
		"duration_ms", res.TimeTaken.Milliseconds(),
		"credits_left", balances.Total(),
	)
	writeJSON(w, http.StatusOK, res)
}

// record stores res. A failure is logged and does not fail the request.
func (h *VerifyHandler) record(ctx context.Context, userID string, res *model.VerificationResult) {
	if h.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := h.history.RecordVerification(ctx, model.RecordOf(userID, res, time.Now())); err != nil {
		h.logger.Warn("failed to record verification", "user_id", userID, "error", err)
	}
}
