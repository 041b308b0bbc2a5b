package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/brycewcole/capsule-agents-sub000/internal/gateway"
)

func corsRequest(t *testing.T, allowed []string, method, origin string, preflight bool) (*httptest.ResponseRecorder, bool) {
	t.Helper()
	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})
	handler := gateway.NewCORS(allowed).Wrap(inner)

	req := httptest.NewRequest(method, "/", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	if preflight {
		req.Header.Set("Access-Control-Request-Method", "POST")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec, called
}

func TestCORS_PreflightAllowedOrigin(t *testing.T) {
	rec, called := corsRequest(t, []string{"https://example.com"}, "OPTIONS", "https://example.com", true)
	if called {
		t.Fatal("inner handler should not be called for a preflight")
	}
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://example.com" {
		t.Fatalf("expected origin echoed, got %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, "Authorization") {
		t.Fatalf("expected Authorization in allowed headers, got %q", got)
	}
}

func TestCORS_PreflightDisallowedOrigin(t *testing.T) {
	rec, called := corsRequest(t, []string{"https://example.com"}, "OPTIONS", "https://evil.example", true)
	if called {
		t.Fatal("inner handler should not be called for a preflight")
	}
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected no allow-origin header, got %q", got)
	}
}

func TestCORS_SimpleRequestPassesThrough(t *testing.T) {
	rec, called := corsRequest(t, []string{"https://example.com"}, "POST", "https://other.example", false)
	if !called || rec.Code != http.StatusOK {
		t.Fatalf("expected pass-through, called=%v code=%d", called, rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("disallowed origin must not get allow-origin, got %q", got)
	}
}

func TestCORS_EmptyListAllowsAll(t *testing.T) {
	for _, allowed := range [][]string{nil, {"*"}} {
		rec, _ := corsRequest(t, allowed, "POST", "https://anything.example", false)
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://anything.example" {
			t.Fatalf("allowed=%v: expected origin echoed, got %q", allowed, got)
		}
	}
}

func TestCORS_NoOrigin(t *testing.T) {
	rec, called := corsRequest(t, []string{"https://example.com"}, "GET", "", false)
	if !called {
		t.Fatal("expected inner handler to run")
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected no CORS headers without Origin, got %q", got)
	}
}
