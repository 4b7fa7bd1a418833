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
)

// AdminKeyLister defines the interface for listing API keys.
type AdminKeyLister interface {
	ListAPIKeysByUserID(ctx context.Context, userID string) ([]*model.APIKey, error)
}

// AdminLedger is the part of the ledger reserved to administrators.
type AdminLedger interface {
	Grant(ctx context.Context, userID string, dailyDelta, instantDelta int64) (model.Balances, error)
	ResetDaily(ctx context.Context) (int, error)
}

// AdminHandler provides admin-only endpoints for support and operations.
type AdminHandler struct {
	keyRepo AdminKeyLister
	ledger  AdminLedger
	version string
	started time.Time
	logger  *slog.Logger
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(keyRepo AdminKeyLister, l AdminLedger, version string, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		keyRepo: keyRepo,
		ledger:  l,
		version: version,
		started: time.Now(),
		logger:  logger.With("handler", "admin"),
	}
}

// ListAPIKeysByUser handles GET /api/v1/admin/api-keys?user_id={id}
// Lists all API keys for a specific user (admin only).
func (h *AdminHandler) ListAPIKeysByUser(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "query parameter 'user_id' is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	keys, err := h.keyRepo.ListAPIKeysByUserID(ctx, userID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	response := dto.ToKeyListResponse(keys)
	response.Total = len(keys)
	writeJSON(w, http.StatusOK, response)
}

// GrantCredits handles POST /api/v1/admin/credits/grant.
func (h *AdminHandler) GrantCredits(w http.ResponseWriter, r *http.Request) {
	var req dto.GrantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "Invalid request body")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "user_id is required")
		return
	}

	bal, err := h.ledger.Grant(r.Context(), req.UserID, req.Daily, req.Instant)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	h.logger.Info("credits_granted",
		"user_id", req.UserID,
		"daily", req.Daily,
		"instant", req.Instant,
		"by_key", auth.KeyID(r.Context()),
	)
	writeJSON(w, http.StatusOK, dto.ToBalanceResponse(bal))
}

// ResetDailyCredits handles POST /api/v1/admin/credits/reset.
// Runs the daily reset now; it is safe to repeat.
func (h *AdminHandler) ResetDailyCredits(w http.ResponseWriter, r *http.Request) {
	n, err := h.ledger.ResetDaily(r.Context())
	if err != nil {
		// Partial resets still report the accounts that changed.
		h.logger.Error("manual_daily_reset_failed", "accounts", n, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Daily reset did not complete")
		return
	}

	h.logger.Info("manual_daily_reset", "accounts", n, "by_key", auth.KeyID(r.Context()))
	writeJSON(w, http.StatusOK, dto.ResetResponse{Accounts: n})
}

// StatsResponse represents operational statistics.
type StatsResponse struct {
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	Uptime    string    `json:"uptime"`
}

// Stats handles GET /api/v1/admin/stats
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatsResponse{
		Timestamp: time.Now().UTC(),
		Service:   "mailverify",
		Version:   h.version,
		Uptime:    time.Since(h.started).Truncate(time.Second).String(),
	})
}
