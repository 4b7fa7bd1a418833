package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/mailverify/mailverify/internal/auth"
	"github.com/mailverify/mailverify/internal/handler/dto"
	"github.com/mailverify/mailverify/internal/model"
	"github.com/mailverify/mailverify/internal/repository"
)

// APIKeyStore is the persistence used by key management.
type APIKeyStore interface {
	CreateAPIKey(ctx context.Context, key *model.APIKey) error
	GetAPIKeyByID(ctx context.Context, id string) (*model.APIKey, error)
	ListAPIKeysByUserID(ctx context.Context, userID string) ([]*model.APIKey, error)
	RevokeUserAPIKey(ctx context.Context, userID, id string) error
}

// APIKeyHandler lets callers manage their own keys.
type APIKeyHandler struct {
	logger   *slog.Logger
	keys     APIKeyStore
	env      string
	onRevoke func(ctx context.Context, keyID string) error
}

// NewAPIKeyHandler creates an APIKeyHandler. Keys are issued for the live
// environment unless env is auth.EnvTest.
func NewAPIKeyHandler(logger *slog.Logger, keys APIKeyStore, env string) *APIKeyHandler {
	if env != auth.EnvTest {
		env = auth.EnvLive
	}
	return &APIKeyHandler{
		logger: logger.With("handler", "apikey"),
		keys:   keys,
		env:    env,
	}
}

// OnRevoke registers fn to run after a key is revoked, typically to drop
// cached principals. Its errors are logged.
func (h *APIKeyHandler) OnRevoke(fn func(ctx context.Context, keyID string) error) *APIKeyHandler {
	h.onRevoke = fn
	return h
}

// CreateAPIKey handles POST /api/v1/api-keys.
func (h *APIKeyHandler) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	caller := auth.FromContext(r.Context())
	if caller == nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
		return
	}

	var req dto.KeyCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "Invalid request body")
		return
	}
	for _, scope := range req.Scopes {
		if !slices.Contains(model.ValidScopes, scope) {
			writeError(w, http.StatusBadRequest, "INVALID_SCOPE",
				"Invalid scope: "+scope+". Valid scopes: "+strings.Join(model.ValidScopes, ", "))
			return
		}
		if !auth.Allows(caller, scope) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Cannot grant scope: "+scope)
			return
		}
	}
	if len(req.Scopes) == 0 {
		req.Scopes = []string{model.ScopeRead, model.ScopeVerify}
	}

	tier := caller.RateLimitTier
	if !model.IsValidTier(tier) {
		tier = model.TierFree
	}
	issued, ok := h.issue(r.Context(), w, model.APIKey{
		UserID:        caller.UserID,
		Scopes:        req.Scopes,
		RateLimitTier: tier,
		Name:          strings.TrimSpace(req.Name),
	})
	if !ok {
		return
	}

	h.logger.Info("api_key_created", "key_id", issued.ID, "key_prefix", issued.KeyPrefix, "user_id", caller.UserID)
	writeJSON(w, http.StatusCreated, issued)
}

// ListAPIKeys handles GET /api/v1/api-keys.
func (h *APIKeyHandler) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
		return
	}

	keys, err := h.keys.ListAPIKeysByUserID(r.Context(), userID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.ToKeyListResponse(keys))
}

// RevokeAPIKey handles DELETE /api/v1/api-keys/{key_id}.
// Foreign, missing and already revoked keys all read as not found.
func (h *APIKeyHandler) RevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
		return
	}

	keyID := chi.URLParam(r, "key_id")
	if !h.revoke(r.Context(), w, userID, keyID) {
		return
	}
	h.logger.Info("api_key_revoked", "key_id", keyID, "user_id", userID)
	w.WriteHeader(http.StatusNoContent)
}

// RotateAPIKey handles POST /api/v1/api-keys/{key_id}/rotate. The
// replacement exists before the old key stops working.
func (h *APIKeyHandler) RotateAPIKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.UserID(ctx)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
		return
	}

	old, err := h.keys.GetAPIKeyByID(ctx, chi.URLParam(r, "key_id"))
	switch {
	case err != nil && !errors.Is(err, repository.ErrAPIKeyNotFound):
		writeServiceError(w, h.logger, err)
		return
	case err != nil, old.UserID != userID, old.IsRevoked():
		writeKeyNotFound(w)
		return
	}

	issued, ok := h.issue(ctx, w, model.APIKey{
		UserID:        old.UserID,
		Scopes:        old.Scopes,
		RateLimitTier: old.RateLimitTier,
		Name:          old.Name,
	})
	if !ok {
		return
	}
	if !h.revoke(ctx, w, userID, old.ID) {
		return
	}

	h.logger.Info("api_key_rotated", "old_key_id", old.ID, "new_key_id", issued.ID, "user_id", userID)
	writeJSON(w, http.StatusCreated, dto.KeyRotateResponse{
		OldKeyID:        old.ID,
		OldKeyRevokedAt: time.Now().UTC(),
		NewKey:          issued,
	})
}

// issue generates and stores a key shaped like tmpl. On failure it has
// already written the response.
func (h *APIKeyHandler) issue(ctx context.Context, w http.ResponseWriter, tmpl model.APIKey) (dto.IssuedKeyResponse, bool) {
	generated, err := auth.GenerateAPIKey(h.env)
	if err != nil {
		h.logger.Error("failed to generate API key", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to generate API key")
		return dto.IssuedKeyResponse{}, false
	}

	key := tmpl
	key.ID = ulid.Make().String()
	key.KeyHash = generated.Hash
	key.KeyPrefix = generated.Prefix
	key.CreatedAt = time.Now().UTC()
	if err := h.keys.CreateAPIKey(ctx, &key); err != nil {
		writeServiceError(w, h.logger, err)
		return dto.IssuedKeyResponse{}, false
	}
	return dto.IssuedKeyResponse{KeyResponse: dto.ToKeyResponse(&key), Key: generated.Plaintext}, true
}

// revoke revokes a caller's key and runs the revoke hook. On failure it has
// already written the response.
func (h *APIKeyHandler) revoke(ctx context.Context, w http.ResponseWriter, userID, keyID string) bool {
	err := h.keys.RevokeUserAPIKey(ctx, userID, keyID)
	if errors.Is(err, repository.ErrAPIKeyNotFound) {
		writeKeyNotFound(w)
		return false
	}
	if err != nil {
		writeServiceError(w, h.logger, err)
		return false
	}
	if h.onRevoke != nil {
		if err := h.onRevoke(context.WithoutCancel(ctx), keyID); err != nil {
			h.logger.Warn("revoke hook failed", "key_id", keyID, "error", err)
		}
	}
	return true
}

func writeKeyNotFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "KEY_NOT_FOUND", "API key not found or already revoked")
}
