// Package middleware holds the HTTP wrappers shared by the management surface.
package middleware

import (
	"context"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultMaxBodyBytes caps request bodies on the management surface.
const DefaultMaxBodyBytes int64 = 1 << 20

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain applies mws to h so that the first middleware is the outermost.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// SecurityHeaders adds OWASP-recommended headers for a JSON API.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		if r.TLS != nil {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// MaxBody limits the readable request body to n bytes. Handlers see an
// *http.MaxBytesError from the body reader when the limit is exceeded.
func MaxBody(n int64) Middleware {
	if n <= 0 {
		n = DefaultMaxBodyBytes
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > n {
				writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large", "INVALID_INPUT")
				return
			}
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitConfig holds configuration for the rate limiter.
type RateLimitConfig struct {
	RequestsPerMin int      // sustained requests allowed per minute per client
	BurstSize      int      // maximum burst per client
	TrustedProxies []string // proxy IPs whose X-Forwarded-For is honoured
	IdleTTL        time.Duration
}

// RateLimiter is a per-client token bucket keyed by client IP.
//
// Proxy headers are ignored unless the direct peer is listed in
// TrustedProxies, so a client cannot pick its own bucket by spoofing
// X-Forwarded-For.
type RateLimiter struct {
	cfg     RateLimitConfig
	mu      sync.Mutex
	clients map[string]*client
	now     func() time.Time
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter. Zero values fall back to 100 rpm, burst 20.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.RequestsPerMin <= 0 {
		cfg.RequestsPerMin = 100
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 20
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 3 * time.Minute
	}
	return &RateLimiter{cfg: cfg, clients: make(map[string]*client), now: time.Now}
}

// RateLimit builds a limiter and starts its sweeper, which stops with ctx.
func RateLimit(ctx context.Context, cfg RateLimitConfig) Middleware {
	rl := NewRateLimiter(cfg)
	go rl.Run(ctx)
	return rl.Middleware
}

// Run evicts idle clients once a minute until ctx is cancelled.
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// Sweep drops buckets that have been idle for longer than IdleTTL and
// returns how many were removed.
func (rl *RateLimiter) Sweep() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-rl.cfg.IdleTTL)
	n := 0
	for ip, c := range rl.clients {
		if c.lastSeen.Before(cutoff) {
			delete(rl.clients, ip)
			n++
		}
	}
	return n
}

// Clients returns the number of tracked client buckets.
func (rl *RateLimiter) Clients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// Allow consumes one token from the bucket for ip.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	c, ok := rl.clients[ip]
	if !ok {
		c = &client{limiter: rate.NewLimiter(rate.Limit(rl.cfg.RequestsPerMin)/60.0, rl.cfg.BurstSize)}
		rl.clients[ip] = c
	}
	c.lastSeen = rl.now()
	lim := c.limiter
	rl.mu.Unlock()
	return lim.Allow()
}

// Middleware rejects requests over the client's budget with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	retryAfter := strconv.Itoa(max(1, 60/rl.cfg.RequestsPerMin))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientIP(r, rl.cfg.TrustedProxies)) {
			w.Header().Set("Retry-After", retryAfter)
			writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded", "LIMIT_REACHED")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP returns the direct peer address, or the first X-Forwarded-For /
// X-Real-IP entry when the peer is a trusted proxy.
func clientIP(r *http.Request, trustedProxies []string) string {
	direct := r.RemoteAddr
	if host, _, err := net.SplitHostPort(direct); err == nil {
		direct = host
	}
	if len(trustedProxies) == 0 || !slices.Contains(trustedProxies, direct) {
		return direct
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	return direct
}

func writeJSONError(w http.ResponseWriter, status int, msg, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":` + strconv.Quote(msg) + `,"code":"` + code + `"}`))
}
