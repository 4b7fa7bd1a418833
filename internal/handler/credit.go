package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/mailverify/mailverify/internal/auth"
	"github.com/mailverify/mailverify/internal/handler/dto"
	"github.com/mailverify/mailverify/internal/ledger"
	"github.com/mailverify/mailverify/internal/model"
)

// CreditLedger is the part of the ledger exposed to account holders and
// the payment collaborator.
type CreditLedger interface {
	Balance(ctx context.Context, userID string) (model.Balances, error)
	Purchase(ctx context.Context, userID string, instantDelta int64, reason string) (model.Balances, error)
	SubscribeUntil(ctx context.Context, userID string, dailyDelta int64, endsAt time.Time, reason string) (model.Balances, error)
	History(ctx context.Context, userID string, order ledger.SortOrder) ([]model.CreditLedgerEntry, error)
}

// CreditHandler serves balance, history and crediting endpoints.
type CreditHandler struct {
	ledger CreditLedger
	logger *slog.Logger
}

// NewCreditHandler creates a CreditHandler.
func NewCreditHandler(l CreditLedger, logger *slog.Logger) *CreditHandler {
	return &CreditHandler{
		ledger: l,
		logger: logger.With("handler", "credit"),
	}
}

// Balance handles GET /api/v1/credits/balance.
func (h *CreditHandler) Balance(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.FromContext(r.Context())
	if authCtx == nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
		return
	}

	bal, err := h.ledger.Balance(r.Context(), authCtx.UserID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.ToBalanceResponse(bal))
}

// History handles GET /api/v1/credits/history?order=asc|desc.
func (h *CreditHandler) History(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.FromContext(r.Context())
	if authCtx == nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
		return
	}

	order := ledger.ParseSortOrder(r.URL.Query().Get("order"))
	entries, err := h.ledger.History(r.Context(), authCtx.UserID, order)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if entries == nil {
		entries = []model.CreditLedgerEntry{}
	}
	writeJSON(w, http.StatusOK, dto.HistoryResponse{Entries: entries})
}

// Purchase handles POST /api/v1/credits/purchase.
// Called by the payment collaborator after a successful charge.
func (h *CreditHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.FromContext(r.Context())
	if authCtx == nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
		return
	}

	var req dto.PurchaseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "Invalid request body")
		return
	}
	userID := targetUser(authCtx, req.UserID)

	bal, err := h.ledger.Purchase(r.Context(), userID, req.Instant, req.Reason)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	h.logger.Info("credits_purchased", "user_id", userID, "instant", req.Instant, "by_key", authCtx.KeyID)
	writeJSON(w, http.StatusOK, dto.ToBalanceResponse(bal))
}

// Subscribe handles POST /api/v1/credits/subscribe.
func (h *CreditHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.FromContext(r.Context())
	if authCtx == nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
		return
	}

	var req dto.SubscribeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "Invalid request body")
		return
	}
	userID := targetUser(authCtx, req.UserID)

	var endsAt time.Time
	if req.EndsAt != nil {
		endsAt = *req.EndsAt
	}
	bal, err := h.ledger.SubscribeUntil(r.Context(), userID, req.Daily, endsAt, req.Reason)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	h.logger.Info("credits_subscribed", "user_id", userID, "daily", req.Daily, "by_key", authCtx.KeyID)
	writeJSON(w, http.StatusOK, dto.ToBalanceResponse(bal))
}

// targetUser returns the account a crediting call applies to.
func targetUser(authCtx *model.AuthContext, requested string) string {
	if requested != "" {
		return requested
	}
	return authCtx.UserID
}
