package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mailverify/mailverify/internal/handler/dto"
	"github.com/mailverify/mailverify/internal/ledger"
	"github.com/mailverify/mailverify/internal/metrics"
	"github.com/mailverify/mailverify/internal/model"
)

func newTestLedger() *ledger.Ledger {
	return ledger.New(ledger.NewMemoryStore(), metrics.NewNoop(), testLogger())
}

func decodeBalance(t *testing.T, rec *httptest.ResponseRecorder) dto.BalanceResponse {
	t.Helper()
	var resp dto.BalanceResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode balance: %v", err)
	}
	return resp
}

func TestCreditHandler_PurchaseAndBalance(t *testing.T) {
	h := NewCreditHandler(newTestLedger(), testLogger())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/credits/purchase", strings.NewReader(`{"instant":100}`))
	rec := httptest.NewRecorder()
	h.Purchase(rec, withAuth(req, "user-1", model.ScopeAdmin))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if bal := decodeBalance(t, rec); bal.Instant != 100 || bal.Total != 100 {
		t.Errorf("unexpected balance after purchase: %+v", bal)
	}

	rec = httptest.NewRecorder()
	h.Balance(rec, withAuth(httptest.NewRequest(http.MethodGet, "/api/v1/credits/balance", nil), "user-1"))
	if bal := decodeBalance(t, rec); bal.Instant != 100 || bal.Daily != 0 {
		t.Errorf("unexpected balance: %+v", bal)
	}
}

func TestCreditHandler_PurchaseForOtherUser(t *testing.T) {
	l := newTestLedger()
	h := NewCreditHandler(l, testLogger())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/credits/purchase", strings.NewReader(`{"user_id":"customer","instant":25}`))
	rec := httptest.NewRecorder()
	h.Purchase(rec, withAuth(req, "billing", model.ScopeAdmin))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	bal, err := l.Balance(req.Context(), "customer")
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if bal.Instant != 25 {
		t.Errorf("expected customer credited 25, got %d", bal.Instant)
	}
}

func TestCreditHandler_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"zero amount", `{"instant":0}`, http.StatusBadRequest},
		{"negative amount", `{"instant":-5}`, http.StatusBadRequest},
		{"unknown field", `{"credits":5}`, http.StatusBadRequest},
		{"malformed", `{`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewCreditHandler(newTestLedger(), testLogger())
			req := httptest.NewRequest(http.MethodPost, "/api/v1/credits/purchase", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			h.Purchase(rec, withAuth(req, "user-1", model.ScopeAdmin))

			if rec.Code != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, rec.Code)
			}
		})
	}
}

func TestCreditHandler_SubscribeAndHistory(t *testing.T) {
	h := NewCreditHandler(newTestLedger(), testLogger())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/credits/subscribe", strings.NewReader(`{"daily":50}`))
	rec := httptest.NewRecorder()
	h.Subscribe(rec, withAuth(req, "user-1", model.ScopeAdmin))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if bal := decodeBalance(t, rec); bal.Daily != 50 {
		t.Errorf("expected daily 50, got %+v", bal)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/credits/purchase", strings.NewReader(`{"instant":10}`))
	h.Purchase(httptest.NewRecorder(), withAuth(req, "user-1", model.ScopeAdmin))

	for _, tc := range []struct {
		query string
		first string
	}{
		{"", model.ReasonPurchase},
		{"?order=asc", model.ReasonSubscription},
	} {
		rec = httptest.NewRecorder()
		h.History(rec, withAuth(httptest.NewRequest(http.MethodGet, "/api/v1/credits/history"+tc.query, nil), "user-1"))

		var resp dto.HistoryResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("failed to decode history: %v", err)
		}
		if len(resp.Entries) != 2 {
			t.Fatalf("expected 2 entries, got %d", len(resp.Entries))
		}
		if resp.Entries[0].Reason != tc.first {
			t.Errorf("order %q: first entry %q, want %q", tc.query, resp.Entries[0].Reason, tc.first)
		}
	}
}

func TestCreditHandler_HistoryEmpty(t *testing.T) {
	h := NewCreditHandler(newTestLedger(), testLogger())

	rec := httptest.NewRecorder()
	h.History(rec, withAuth(httptest.NewRequest(http.MethodGet, "/api/v1/credits/history", nil), "nobody"))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"entries":[]`) {
		t.Errorf("expected empty entries array, got %s", rec.Body.String())
	}
}

func TestCreditHandler_SubscribeTerm(t *testing.T) {
	tests := []struct {
		name   string
		endsAt time.Time
		status int
	}{
		{"future end", time.Now().Add(30 * 24 * time.Hour), http.StatusOK},
		{"past end", time.Now().Add(-time.Hour), http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewCreditHandler(newTestLedger(), testLogger())
			body := `{"daily":20,"ends_at":"` + tt.endsAt.UTC().Format(time.RFC3339) + `"}`
			req := httptest.NewRequest(http.MethodPost, "/api/v1/credits/subscribe", strings.NewReader(body))
			rec := httptest.NewRecorder()
			h.Subscribe(rec, withAuth(req, "user-1", model.ScopeAdmin))

			if rec.Code != tt.status {
				t.Errorf("expected status %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
		})
	}
}
