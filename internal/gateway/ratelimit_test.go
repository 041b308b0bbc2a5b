package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/brycewcole/capsule-agents-sub000/internal/config"
	"github.com/brycewcole/capsule-agents-sub000/internal/gateway"
)

func limited(cfg config.RateLimitConfig) (*gateway.RateLimitMiddleware, func(token string) *httptest.ResponseRecorder) {
	rl := gateway.NewRateLimitMiddleware(cfg)
	h := rl.Wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }))
	return rl, func(token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}
}

func codes(hit func(string) *httptest.ResponseRecorder, token string, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = hit(token).Code
	}
	return out
}

func TestRateLimit_Burst(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.RateLimitConfig
		n    int
		ok   int
	}{
		{"under burst", config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 10}, 5, 5},
		{"over burst", config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 3}, 5, 3},
		{"defaults", config.RateLimitConfig{Enabled: true}, 12, 10},
		{"disabled", config.RateLimitConfig{BurstSize: 1}, 4, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, hit := limited(tt.cfg)
			got := codes(hit, "k", tt.n)
			for i, code := range got {
				want := http.StatusOK
				if i >= tt.ok {
					want = http.StatusTooManyRequests
				}
				if code != want {
					t.Fatalf("request %d: got %d, want %d (all %v)", i, code, want, got)
				}
			}
		})
	}
}

func TestRateLimit_RetryAfter(t *testing.T) {
	tests := []struct {
		rpm  int
		want string
	}{
		{60, "1"},
		{6, "10"},
		{600, "1"},
	}
	for _, tt := range tests {
		_, hit := limited(config.RateLimitConfig{Enabled: true, RequestsPerMinute: tt.rpm, BurstSize: 1})
		hit("k")
		rec := hit("k")
		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("rpm %d: expected 429, got %d", tt.rpm, rec.Code)
		}
		if got := rec.Header().Get("Retry-After"); got != tt.want {
			t.Errorf("rpm %d: Retry-After = %q, want %q", tt.rpm, got, tt.want)
		}
	}
}

func TestRateLimit_RejectedRequestsDoNotDelayRefill(t *testing.T) {
	_, hit := limited(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 120, BurstSize: 1})
	if hit("k").Code != http.StatusOK {
		t.Fatal("first request should pass")
	}
	for range 5 {
		if hit("k").Code != http.StatusTooManyRequests {
			t.Fatal("expected 429 before refill")
		}
	}
	time.Sleep(600 * time.Millisecond)
	if code := hit("k").Code; code != http.StatusOK {
		t.Fatalf("after refill: got %d", code)
	}
}

func TestRateLimit_KeyedPerCaller(t *testing.T) {
	_, hit := limited(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 2})
	codes(hit, "a", 2)
	if hit("a").Code != http.StatusTooManyRequests {
		t.Fatal("a should be limited")
	}
	if hit("b").Code != http.StatusOK {
		t.Fatal("b has its own bucket")
	}
	if hit("").Code != http.StatusOK {
		t.Fatal("anonymous callers are keyed by address")
	}
}

func TestRateLimit_EvictStale(t *testing.T) {
	rl, hit := limited(config.RateLimitConfig{Enabled: true})
	for _, k := range []string{"1", "2", "3"} {
		hit(k)
	}
	if n := rl.BucketCount(); n != 3 {
		t.Fatalf("tracked = %d", n)
	}
	rl.EvictStale(time.Hour)
	if n := rl.BucketCount(); n != 3 {
		t.Fatalf("recent callers evicted: %d left", n)
	}
	rl.EvictStale(0)
	if n := rl.BucketCount(); n != 0 {
		t.Fatalf("tracked after eviction = %d", n)
	}
}
