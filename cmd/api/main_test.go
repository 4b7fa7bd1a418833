package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/mailverify/mailverify/internal/auth"
	"github.com/mailverify/mailverify/internal/bulk"
	"github.com/mailverify/mailverify/internal/config"
	"github.com/mailverify/mailverify/internal/handler"
	"github.com/mailverify/mailverify/internal/ledger"
	"github.com/mailverify/mailverify/internal/metrics"
	"github.com/mailverify/mailverify/internal/model"
	"github.com/mailverify/mailverify/internal/repository"
	"github.com/mailverify/mailverify/internal/storage"
)

// stubVerifier accepts every address on example.com and rejects the rest.
type stubVerifier struct{}

func (stubVerifier) Verify(_ context.Context, address string) model.VerificationResult {
	res := model.VerificationResult{Email: address, SyntaxValid: true, Grade: "F"}
	if strings.HasSuffix(address, "@example.com") {
		res.Status = model.StatusValid
		res.IsValid = true
		res.Grade = "A"
	} else {
		res.Status = model.StatusInvalid
	}
	return res
}

type testEnv struct {
	server  *httptest.Server
	keys    *repository.MemoryAPIKeys
	credits *ledger.Ledger
	orch    *bulk.Orchestrator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Config{
		AppEnv:             "development",
		MaxRequestBodySize: 1 << 20,
		MaxUploadSize:      1 << 20,
	}

	store, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create file store: %v", err)
	}

	recorder := metrics.NewInMemory()
	keys := repository.NewMemoryAPIKeys()
	credits := ledger.New(ledger.NewMemoryStore(), recorder, logger)
	orch := bulk.New(bulk.NewMemoryTaskStore(), store, credits, stubVerifier{}, bulk.Config{
		Workers:          2,
		MaxTasks:         1,
		ProgressInterval: 10 * time.Millisecond,
	}, recorder, logger)
	t.Cleanup(func() { _ = orch.Shutdown(context.Background()) })

	h := handlers{
		base:    handler.New(),
		health:  handler.NewHealthHandler(nil, nil),
		metrics: handler.NewMetricsHandler(recorder),
		verify:  handler.NewVerifyHandler(stubVerifier{}, credits, time.Second, logger),
		tasks:   handler.NewTaskHandler(orch, cfg.MaxUploadSize, logger),
		credits: handler.NewCreditHandler(credits, logger),
		admin:   handler.NewAdminHandler(keys, credits, version, logger),
		apiKeys: handler.NewAPIKeyHandler(logger, keys, auth.EnvTest),
	}

	srv := httptest.NewServer(setupRouter(h, keys, nil, cfg, logger))
	t.Cleanup(srv.Close)

	return &testEnv{server: srv, keys: keys, credits: credits, orch: orch}
}

func (e *testEnv) createKey(t *testing.T, userID string, scopes ...string) string {
	t.Helper()
	generated, err := auth.GenerateAPIKey(auth.EnvTest)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	err = e.keys.CreateAPIKey(context.Background(), &model.APIKey{
		ID:            ulid.Make().String(),
		UserID:        userID,
		KeyHash:       generated.Hash,
		KeyPrefix:     generated.Prefix,
		Scopes:        scopes,
		RateLimitTier: model.TierUnlimited,
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("failed to store key: %v", err)
	}
	return generated.Plaintext
}

func (e *testEnv) do(t *testing.T, method, path, key, contentType string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, body)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func TestRouter_OperationalEndpointsNeedNoAuth(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp := env.do(t, http.MethodGet, path, "", "", nil)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: expected status 200, got %d", path, resp.StatusCode)
		}
	}
}

func TestRouter_AuthAndScopes(t *testing.T) {
	env := newTestEnv(t)
	readKey := env.createKey(t, "reader", model.ScopeRead)

	resp := env.do(t, http.MethodGet, "/api/v1/credits/balance", "", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("missing key: expected status 401, got %d", resp.StatusCode)
	}

	resp = env.do(t, http.MethodGet, "/api/v1/credits/balance", readKey, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("read key on balance: expected status 200, got %d", resp.StatusCode)
	}

	resp = env.do(t, http.MethodPost, "/api/v1/verify", readKey, "application/json", strings.NewReader(`{"email":"a@example.com"}`))
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("read key on verify: expected status 403, got %d", resp.StatusCode)
	}

	resp = env.do(t, http.MethodPost, "/api/v1/admin/credits/reset", readKey, "", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("read key on admin: expected status 403, got %d", resp.StatusCode)
	}
}

func TestRouter_VerifySpendsCredits(t *testing.T) {
	env := newTestEnv(t)
	adminKey := env.createKey(t, "ops", model.ScopeAdmin)
	userKey := env.createKey(t, "customer", model.ScopeRead, model.ScopeVerify)

	resp := env.do(t, http.MethodPost, "/api/v1/verify", userKey, "application/json", strings.NewReader(`{"email":"a@example.com"}`))
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("no credits: expected status 402, got %d", resp.StatusCode)
	}

	resp = env.do(t, http.MethodPost, "/api/v1/admin/credits/grant", adminKey, "application/json",
		strings.NewReader(`{"user_id":"customer","instant":2}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("grant: expected status 200, got %d", resp.StatusCode)
	}

	resp = env.do(t, http.MethodPost, "/api/v1/verify", userKey, "application/json", strings.NewReader(`{"email":"a@example.com"}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify: expected status 200, got %d", resp.StatusCode)
	}
	var res model.VerificationResult
	decodeBody(t, resp, &res)
	if res.Status != model.StatusValid {
		t.Errorf("expected valid, got %s", res.Status)
	}

	bal, err := env.credits.Balance(context.Background(), "customer")
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if bal.Instant != 1 {
		t.Errorf("expected 1 credit left, got %d", bal.Instant)
	}
}

func TestRouter_BatchLifecycle(t *testing.T) {
	env := newTestEnv(t)
	key := env.createKey(t, "customer", model.ScopeRead, model.ScopeVerify)
	if _, err := env.credits.Grant(context.Background(), "customer", 0, 10); err != nil {
		t.Fatalf("Grant failed: %v", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("files", "list.csv")
	if err != nil {
		t.Fatalf("failed to create form file: %v", err)
	}
	_, _ = io.WriteString(fw, "email\nann@example.com\nbob@nowhere.test\ncid@example.com\n")
	if err := mw.Close(); err != nil {
		t.Fatalf("failed to close multipart writer: %v", err)
	}

	resp := env.do(t, http.MethodPost, "/api/v1/verify/batch", key, mw.FormDataContentType(), &buf)
	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("submit: expected status 202, got %d: %s", resp.StatusCode, body)
	}
	var submitted struct {
		TaskID      string `json:"task_id"`
		TotalEmails int64  `json:"total_emails"`
	}
	decodeBody(t, resp, &submitted)
	if submitted.TotalEmails != 3 {
		t.Errorf("expected 3 emails, got %d", submitted.TotalEmails)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		task, err := env.orch.GetStatus(context.Background(), "customer", submitted.TaskID)
		if err != nil {
			t.Fatalf("GetStatus failed: %v", err)
		}
		if task.Status == model.TaskCompleted {
			break
		}
		if task.Status == model.TaskFailed {
			t.Fatalf("task failed: %s", task.Error)
		}
		if time.Now().After(deadline) {
			t.Fatalf("task did not complete, status %s", task.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}

	resp = env.do(t, http.MethodGet, "/api/v1/tasks/"+submitted.TaskID+"/download/valid", key, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("download: expected status 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and 2 valid rows, got %q", lines)
	}
	if !strings.HasPrefix(lines[1], "ann@example.com,") || !strings.HasPrefix(lines[2], "cid@example.com,") {
		t.Errorf("valid rows out of order: %q", lines[1:])
	}

	resp = env.do(t, http.MethodDelete, "/api/v1/tasks/"+submitted.TaskID, key, "", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: expected status 204, got %d", resp.StatusCode)
	}
	_, err = env.orch.GetStatus(context.Background(), "customer", submitted.TaskID)
	if !errors.Is(err, bulk.ErrTaskNotFound) {
		t.Errorf("expected task gone after delete, got %v", err)
	}
}

func TestRedactURL(t *testing.T) {
	got := redactURL("postgres://user:secret@db:5432/mailverify")
	if strings.Contains(got, "secret") {
		t.Errorf("password not redacted: %s", got)
	}
	if got := sanitizeError(errors.New("dial postgres://user:secret@db failed"), "postgres://user:secret@db"); strings.Contains(got, "secret") {
		t.Errorf("secret leaked in error: %s", got)
	}
}
