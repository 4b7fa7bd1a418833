package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mailverify/mailverify/internal/auth"
	"github.com/mailverify/mailverify/internal/cache"
	"github.com/mailverify/mailverify/internal/model"
)

// RateLimitConfig configures RateLimitAPI and RateLimitIP. Both pass every
// request when Cache is nil.
type RateLimitConfig struct {
	Logger *slog.Logger
	Cache  *cache.Cache

	APIEnabled bool

	IPEnabled bool
	IPRPS     int
	IPBurst   int
}

// RateLimitAPI limits each API key to its tier budget. It must run after
// Auth. Redis errors let the request through.
func RateLimitAPI(cfg RateLimitConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !cfg.APIEnabled || cfg.Cache == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := auth.FromContext(r.Context())
			if p == nil {
				next.ServeHTTP(w, r)
				return
			}
			limit := model.LimitForTier(p.RateLimitTier)
			if limit.PerMinute == 0 {
				next.ServeHTTP(w, r)
				return
			}

			d, err := cfg.Cache.AllowKey(r.Context(), p.KeyID, limit.PerMinute, limit.Burst)
			if err != nil {
				cfg.Logger.Error("key rate limit unavailable", slog.String("key_id", p.KeyID), slog.String("error", err.Error()))
				next.ServeHTTP(w, r)
				return
			}
			writeLimitHeaders(w.Header(), limit.PerMinute, d)
			if !d.Allowed {
				cfg.Logger.Warn("rate limit exceeded",
					slog.String("type", "api"),
					slog.String("key_id", p.KeyID),
					slog.String("endpoint", r.Method+" "+r.URL.Path),
					slog.Duration("retry_after", d.RetryAfter),
					slog.String("request_id", GetRequestID(r.Context())),
				)
				tooManyRequests(w, d.RetryAfter)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitIP limits each client address before authentication.
func RateLimitIP(cfg RateLimitConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !cfg.IPEnabled || cfg.Cache == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := getClientIP(r)
			d, err := cfg.Cache.AllowIP(r.Context(), ip, cfg.IPRPS, cfg.IPBurst)
			if err != nil {
				cfg.Logger.Error("ip rate limit unavailable", slog.String("error", err.Error()))
				next.ServeHTTP(w, r)
				return
			}
			if !d.Allowed {
				cfg.Logger.Warn("rate limit exceeded",
					slog.String("type", "ip"),
					slog.String("ip", ip),
					slog.String("endpoint", r.Method+" "+r.URL.Path),
					slog.Duration("retry_after", d.RetryAfter),
				)
				tooManyRequests(w, d.RetryAfter)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeLimitHeaders(h http.Header, perMinute int, d cache.Decision) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(perMinute))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(max(d.Remaining, 0), 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(d.RetryAfter).Unix(), 10))
}

func tooManyRequests(w http.ResponseWriter, retryAfter time.Duration) {
	secs := int64(math.Ceil(retryAfter.Seconds()))
	w.Header().Set("Retry-After", strconv.FormatInt(max(secs, 1), 10))
	writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests, retry later")
}

// getClientIP prefers the address set by chi's RealIP middleware and falls
// back to the first X-Forwarded-For hop.
func getClientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	first, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ",")
	return strings.TrimSpace(first)
}
