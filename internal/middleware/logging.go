package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/mailverify/mailverify/internal/auth"
)

// statusRecorder remembers the status and size of a response.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status != 0 {
		return
	}
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.WriteHeader(http.StatusOK)
	}
	n, err := s.ResponseWriter.Write(b)
	s.bytes += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer, which
// artifact downloads use to extend their write deadline.
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

func (s *statusRecorder) code() int {
	if s.status == 0 {
		return http.StatusOK
	}
	return s.status
}

// Logger logs one line per request, at warn for 4xx and error for 5xx.
// Headers are never logged, so API keys stay out of the logs.
func Logger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}

			// Auth runs further in; capture the principal it attaches.
			var principal string
			next.ServeHTTP(rec, r.WithContext(withPrincipalSink(r.Context(), &principal)))

			status := rec.code()
			level := slog.LevelInfo
			switch {
			case status >= 500:
				level = slog.LevelError
			case status >= 400:
				level = slog.LevelWarn
			}

			attrs := []slog.Attr{
				slog.String("request_id", GetRequestID(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status_code", status),
				slog.Int64("bytes", rec.bytes),
				slog.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("user_agent", r.UserAgent()),
			}
			if principal != "" {
				attrs = append(attrs, slog.String("user_id", principal))
			}
			logger.LogAttrs(r.Context(), level, "http request", attrs...)
		})
	}
}

// reportPrincipal hands the authenticated user to an enclosing Logger.
func reportPrincipal(r *http.Request) {
	if sink := principalSink(r.Context()); sink != nil {
		*sink = auth.UserID(r.Context())
	}
}

type principalSinkKey struct{}

func withPrincipalSink(ctx context.Context, dst *string) context.Context {
	return context.WithValue(ctx, principalSinkKey{}, dst)
}

func principalSink(ctx context.Context) *string {
	dst, _ := ctx.Value(principalSinkKey{}).(*string)
	return dst
}
