package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mailverify/mailverify/internal/auth"
	"github.com/mailverify/mailverify/internal/model"
)

func TestRequireScope(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	tests := []struct {
		name   string
		guard  func(http.Handler) http.Handler
		scopes []string
		anon   bool
		want   int
	}{
		{"read on read", RequireRead(), []string{model.ScopeRead}, false, http.StatusOK},
		{"verify on read", RequireRead(), []string{model.ScopeVerify}, false, http.StatusForbidden},
		{"verify on verify", RequireVerify(), []string{model.ScopeRead, model.ScopeVerify}, false, http.StatusOK},
		{"admin on verify", RequireVerify(), []string{model.ScopeAdmin}, false, http.StatusOK},
		{"admin on admin", RequireAdmin(), []string{model.ScopeAdmin}, false, http.StatusOK},
		{"verify on admin", RequireAdmin(), []string{model.ScopeRead, model.ScopeVerify}, false, http.StatusForbidden},
		{"either of two", RequireScope(model.ScopeVerify, model.ScopeRead), []string{model.ScopeRead}, false, http.StatusOK},
		{"no scopes", RequireRead(), nil, false, http.StatusForbidden},
		{"anonymous", RequireRead(), nil, true, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if !tt.anon {
				req = req.WithContext(auth.WithPrincipal(req.Context(), &model.AuthContext{KeyID: "k", Scopes: tt.scopes}))
			}
			rec := httptest.NewRecorder()
			tt.guard(ok).ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestRequireScope_ForbiddenNamesScope(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req = req.WithContext(auth.WithPrincipal(req.Context(), &model.AuthContext{Scopes: []string{model.ScopeRead}}))
	rec := httptest.NewRecorder()
	RequireVerify()(http.NotFoundHandler()).ServeHTTP(rec, req)

	var body errorBody
	decodeJSON(t, rec, &body)
	if body.Error.Code != "FORBIDDEN" || body.Error.Message != "Insufficient permissions. Required scope: verify" {
		t.Errorf("unexpected error %+v", body.Error)
	}
}
