package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func logOne(t *testing.T, h http.Handler, req *http.Request) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	Logger(slog.New(slog.NewJSONHandler(&buf, nil)))(h).ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line %q: %v", buf.String(), err)
	}
	return entry
}

func TestLogger_Fields(t *testing.T) {
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("hello"))
	}))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/keys?x=1", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	req.Header.Set("User-Agent", "probe/1")

	// RequestID sits inside Logger here, so the ID is not in Logger's context.
	entry := logOne(t, h, req)
	if entry["msg"] != "http request" || entry["level"] != "INFO" {
		t.Errorf("unexpected entry %v", entry)
	}
	if entry["method"] != "POST" || entry["path"] != "/api/v1/keys" {
		t.Errorf("method/path %v %v", entry["method"], entry["path"])
	}
	if entry["status_code"] != float64(201) || entry["bytes"] != float64(5) {
		t.Errorf("status/bytes %v %v", entry["status_code"], entry["bytes"])
	}
	if entry["user_agent"] != "probe/1" {
		t.Errorf("user_agent %v", entry["user_agent"])
	}
	if _, ok := entry["user_id"]; ok {
		t.Error("user_id logged for an anonymous request")
	}
}

func TestLogger_LevelFollowsStatus(t *testing.T) {
	for status, level := range map[int]string{200: "INFO", 302: "INFO", 404: "WARN", 429: "WARN", 503: "ERROR"} {
		entry := logOne(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
		}), httptest.NewRequest(http.MethodGet, "/", nil))
		if entry["level"] != level {
			t.Errorf("status %d logged at %v, want %s", status, entry["level"], level)
		}
	}
}

func TestLogger_OmitsCredentials(t *testing.T) {
	const secret = "mv_live_abcdef_0123456789abcdef0123456789abcdef"
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
	req.Header.Set("Authorization", "Bearer "+secret)
	req.Header.Set("X-API-Key", secret)

	var buf bytes.Buffer
	Logger(slog.New(slog.NewJSONHandler(&buf, nil)))(http.NotFoundHandler()).ServeHTTP(httptest.NewRecorder(), req)
	if strings.Contains(buf.String(), secret) || strings.Contains(buf.String(), "Bearer") {
		t.Errorf("credentials leaked: %s", buf.String())
	}
}

func TestStatusRecorder(t *testing.T) {
	t.Run("implicit 200", func(t *testing.T) {
		rec := &statusRecorder{ResponseWriter: httptest.NewRecorder()}
		if rec.code() != http.StatusOK {
			t.Errorf("code %d before writing", rec.code())
		}
		_, _ = rec.Write([]byte("ab"))
		if rec.code() != http.StatusOK || rec.bytes != 2 {
			t.Errorf("code %d bytes %d", rec.code(), rec.bytes)
		}
	})

	t.Run("first header wins", func(t *testing.T) {
		under := httptest.NewRecorder()
		rec := &statusRecorder{ResponseWriter: under}
		rec.WriteHeader(http.StatusAccepted)
		rec.WriteHeader(http.StatusInternalServerError)
		if rec.code() != http.StatusAccepted || under.Code != http.StatusAccepted {
			t.Errorf("recorded %d, sent %d", rec.code(), under.Code)
		}
	})

	t.Run("unwraps", func(t *testing.T) {
		under := httptest.NewRecorder()
		rec := &statusRecorder{ResponseWriter: under}
		if rec.Unwrap() != http.ResponseWriter(under) {
			t.Error("Unwrap did not return the wrapped writer")
		}
	})
}
