package gateway

import (
	"net/http"
	"slices"
	"strings"

	"github.com/brycewcole/capsule-agents-sub000/internal/shared"
	"github.com/brycewcole/capsule-agents-sub000/internal/tools"
)

// CORS is a browser origin policy for the A2A and admin endpoints.
type CORS struct {
	any     bool
	origins map[string]struct{}
	headers http.Header
}

// NewCORS allows the listed origins. An empty list or "*" allows every origin.
func NewCORS(allowed []string) *CORS {
	c := &CORS{
		any:     len(allowed) == 0 || slices.Contains(allowed, "*"),
		origins: make(map[string]struct{}, len(allowed)),
		headers: http.Header{
			"Access-Control-Allow-Methods":  {"GET, POST, PUT, DELETE, OPTIONS"},
			"Access-Control-Allow-Headers":  {strings.Join([]string{"Content-Type", "Authorization", shared.HeaderTraceID, tools.HeaderAgentHop}, ", ")},
			"Access-Control-Expose-Headers": {shared.HeaderTraceID},
			"Access-Control-Max-Age":        {"3600"},
		},
	}
	for _, o := range allowed {
		c.origins[strings.TrimRight(o, "/")] = struct{}{}
	}
	return c
}

func (c *CORS) allows(origin string) bool {
	if c.any {
		return true
	}
	_, ok := c.origins[origin]
	return ok
}

// Wrap decorates responses to allowed origins and answers preflights itself.
// A preflight from a disallowed origin gets 403; other requests from it pass
// through without CORS headers and the browser blocks the read.
func (c *CORS) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
		if origin == "" {
			if preflight {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
			return
		}
		ok := c.allows(origin)
		if ok {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			for k, v := range c.headers {
				h[k] = v
			}
		}
		switch {
		case preflight && ok:
			w.WriteHeader(http.StatusNoContent)
		case preflight:
			w.WriteHeader(http.StatusForbidden)
		default:
			next.ServeHTTP(w, r)
		}
	})
}
