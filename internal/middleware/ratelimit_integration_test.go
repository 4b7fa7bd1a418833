//go:build integration

package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/mailverify/mailverify/internal/auth"
	"github.com/mailverify/mailverify/internal/cache"
	"github.com/mailverify/mailverify/internal/model"
)

func redisCache(t *testing.T) *cache.Cache {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		url = "redis://localhost:6379"
	}
	c, err := cache.New(context.Background(), url)
	if err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	if err := c.Client().FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	return c
}

func TestRateLimitAPI_StopsAtBurst(t *testing.T) {
	c := redisCache(t)
	h := RateLimitAPI(RateLimitConfig{Logger: discardLogger, Cache: c, APIEnabled: true})(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }))

	burst := model.LimitForTier(model.TierFree).Burst
	var ok, limited atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < burst*3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req = req.WithContext(auth.WithPrincipal(req.Context(), &model.AuthContext{KeyID: "burst-key", RateLimitTier: model.TierFree}))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			switch rec.Code {
			case http.StatusOK:
				ok.Add(1)
			case http.StatusTooManyRequests:
				limited.Add(1)
				if rec.Header().Get("Retry-After") == "" {
					t.Error("429 without Retry-After")
				}
			}
		}()
	}
	wg.Wait()

	// One token may refill while the requests run.
	if n := ok.Load(); n < int64(burst) || n > int64(burst)+1 {
		t.Errorf("%d requests admitted, want about %d", n, burst)
	}
	if limited.Load() == 0 {
		t.Error("no request was limited")
	}
}

func TestRateLimitIP_SeparatesClients(t *testing.T) {
	c := redisCache(t)
	h := RateLimitIP(RateLimitConfig{Logger: discardLogger, Cache: c, IPEnabled: true, IPRPS: 1, IPBurst: 2})(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }))

	codes := func(addr string, n int) []int {
		var out []int
		for i := 0; i < n; i++ {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = addr
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			out = append(out, rec.Code)
		}
		return out
	}

	a := codes("198.51.100.7:1000", 3)
	if a[0] != http.StatusOK || a[1] != http.StatusOK || a[2] != http.StatusTooManyRequests {
		t.Errorf("first client got %v", a)
	}
	if b := codes("198.51.100.8:1000", 1); b[0] != http.StatusOK {
		t.Errorf("second client limited by the first: %v", b)
	}
}
