package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mailverify/mailverify/internal/auth"
	"github.com/mailverify/mailverify/internal/cache"
	"github.com/mailverify/mailverify/internal/model"
)

// minAuthDuration pads failed attempts so timing does not reveal why a key
// was rejected.
const minAuthDuration = 200 * time.Millisecond

// KeyStore looks up API keys for authentication.
type KeyStore interface {
	GetAPIKeysByPrefix(ctx context.Context, prefix string) ([]*model.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id string) error
}

// AuthConfig configures Auth. Cache is optional; without it every request
// checks the key hash.
type AuthConfig struct {
	Logger *slog.Logger
	Keys   KeyStore
	Cache  *cache.Cache
	// MinDuration overrides minAuthDuration when positive.
	MinDuration time.Duration
}

// Reasons a key is refused. They reach the logs, never the client.
var (
	errMissingKey = errors.New("missing_key")
	errKeyFormat  = errors.New("invalid_format")
	errUnknownKey = errors.New("invalid_key")
)

type authenticator struct {
	AuthConfig
}

// Auth authenticates requests by API key, read from "Authorization: Bearer"
// or X-API-Key, and attaches the caller to the request context.
func Auth(cfg AuthConfig) func(http.Handler) http.Handler {
	if cfg.MinDuration <= 0 {
		cfg.MinDuration = minAuthDuration
	}
	a := &authenticator{cfg}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			p, cached, err := a.resolve(r.Context(), extractAPIKey(r))
			if err != nil {
				a.refuse(w, r, start, err)
				return
			}

			a.Logger.Info("authentication successful",
				slog.String("key_id", p.KeyID),
				slog.String("key_prefix", p.KeyPrefix),
				slog.String("user_id", p.UserID),
				slog.Bool("cache_hit", cached),
				slog.String("request_id", GetRequestID(r.Context())),
			)
			r = r.WithContext(auth.WithPrincipal(r.Context(), p))
			reportPrincipal(r)
			next.ServeHTTP(w, r)
		})
	}
}

// resolve maps a plaintext key to its principal, using the cache when one
// is configured.
func (a *authenticator) resolve(ctx context.Context, key string) (*model.AuthContext, bool, error) {
	if key == "" {
		return nil, false, errMissingKey
	}
	parsed, err := auth.ParseAPIKey(key)
	if err != nil {
		return nil, false, errKeyFormat
	}

	fingerprint := auth.Fingerprint(key)
	if a.Cache != nil {
		if p, ok := a.Cache.Principal(ctx, fingerprint); ok {
			return p, true, nil
		}
	}

	candidates, err := a.Keys.GetAPIKeysByPrefix(ctx, parsed.Prefix)
	if err != nil {
		return nil, false, err
	}
	// Prefixes collide rarely; every candidate is checked.
	var match *model.APIKey
	for _, k := range candidates {
		if k.IsRevoked() {
			continue
		}
		if ok, err := auth.CompareKey(key, k.KeyHash); err == nil && ok {
			match = k
			break
		}
	}
	if match == nil {
		return nil, false, errUnknownKey
	}

	p := &model.AuthContext{
		KeyID:         match.ID,
		KeyPrefix:     match.KeyPrefix,
		UserID:        match.UserID,
		Scopes:        match.Scopes,
		RateLimitTier: match.RateLimitTier,
	}
	if a.Cache != nil {
		if err := a.Cache.RememberPrincipal(ctx, fingerprint, p); err != nil {
			a.Logger.Warn("failed to cache principal", slog.String("key_id", p.KeyID), slog.String("error", err.Error()))
		}
	}

	// The request context ends with the response; the touch must not.
	go func(ctx context.Context, id string) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = a.Keys.UpdateAPIKeyLastUsed(ctx, id)
	}(context.WithoutCancel(ctx), match.ID)

	return p, false, nil
}

// refuse logs the reason, pads to MinDuration and writes one uniform 401 so
// clients cannot tell the reasons apart.
func (a *authenticator) refuse(w http.ResponseWriter, r *http.Request, start time.Time, reason error) {
	attrs := []any{
		slog.String("ip", r.RemoteAddr),
		slog.String("endpoint", r.Method+" "+r.URL.Path),
		slog.String("request_id", GetRequestID(r.Context())),
	}
	switch {
	case errors.Is(reason, errMissingKey), errors.Is(reason, errKeyFormat), errors.Is(reason, errUnknownKey):
		a.Logger.Warn("authentication failed", append(attrs, slog.String("reason", reason.Error()))...)
	default:
		a.Logger.Error("key lookup failed", append(attrs, slog.String("error", reason.Error()))...)
	}

	if elapsed := time.Since(start); elapsed < a.MinDuration {
		time.Sleep(a.MinDuration - elapsed)
	}
	writeAuthError(w)
}

func extractAPIKey(r *http.Request) string {
	if key, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(key)
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

func writeAuthError(w http.ResponseWriter) {
	writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid or missing API key")
}
