package gateway

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/brycewcole/capsule-agents-sub000/internal/config"
)

const (
	defaultRequestsPerMinute = 60
	defaultBurst             = 10
)

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimitMiddleware gives each caller its own token bucket. Callers are
// keyed by bearer token when present, otherwise by remote IP.
type RateLimitMiddleware struct {
	enabled bool
	every   rate.Limit
	burst   int

	mu      sync.Mutex
	clients map[string]*client
}

func NewRateLimitMiddleware(cfg config.RateLimitConfig) *RateLimitMiddleware {
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = defaultRequestsPerMinute
	}
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = defaultBurst
	}
	return &RateLimitMiddleware{
		enabled: cfg.Enabled,
		every:   rate.Every(time.Minute / time.Duration(rpm)),
		burst:   burst,
		clients: map[string]*client{},
	}
}

// StartEviction forgets idle callers every interval until ctx ends.
func (rl *RateLimitMiddleware) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				rl.EvictStale(maxAge)
			}
		}
	}()
}

// EvictStale drops callers not seen within maxAge.
func (rl *RateLimitMiddleware) EvictStale(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	before := len(rl.clients)
	for key, c := range rl.clients {
		if !c.lastSeen.After(cutoff) {
			delete(rl.clients, key)
		}
	}
	if n := before - len(rl.clients); n > 0 {
		slog.Debug("rate limiter: evicted idle clients", "evicted", n, "remaining", len(rl.clients))
	}
}

// BucketCount reports how many callers are tracked.
func (rl *RateLimitMiddleware) BucketCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// Wrap rejects over-limit requests with 429 and a Retry-After telling the
// caller when its next token is due.
func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	if !rl.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if wait, ok := rl.take(clientKey(r)); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Max(1, math.Ceil(wait.Seconds())))))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// take spends a token for key. When none is available it returns the wait
// until the next one without consuming it.
func (rl *RateLimitMiddleware) take(key string) (time.Duration, bool) {
	now := time.Now()
	rl.mu.Lock()
	c, ok := rl.clients[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(rl.every, rl.burst)}
		rl.clients[key] = c
	}
	c.lastSeen = now
	rl.mu.Unlock()

	res := c.limiter.ReserveN(now, 1)
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return delay, false
	}
	return 0, true
}

func clientKey(r *http.Request) string {
	if tok := ExtractBearer(r); tok != "" {
		return "token:" + tok
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
