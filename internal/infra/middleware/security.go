// Package middleware holds HTTP middleware for the broker gateway.
package middleware

import (
	"context"
	"encoding/json"
	"math"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Headers sets response headers for a non-browsable API: nothing is framed,
// sniffed or cached.
func Headers(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		if r.TLS != nil {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// LimitConfig configures a per-client Limiter.
type LimitConfig struct {
	PerMinute int
	Burst     int
	// TrustedProxies are peers whose X-Forwarded-For / X-Real-IP headers
	// name the real client. Headers from anyone else are ignored.
	TrustedProxies []string
	// IdleAfter drops a client's bucket once it has been quiet this long.
	IdleAfter time.Duration
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter is a token bucket per client IP.
type Limiter struct {
	cfg LimitConfig
	now func() time.Time

	mu      sync.Mutex
	clients map[string]*bucket
}

// NewLimiter creates a limiter. A non-positive PerMinute disables limiting.
func NewLimiter(cfg LimitConfig) *Limiter {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = 3 * time.Minute
	}
	return &Limiter{cfg: cfg, now: time.Now, clients: make(map[string]*bucket)}
}

// Allow takes a token for ip.
func (l *Limiter) Allow(ip string) bool {
	if l.cfg.PerMinute <= 0 {
		return true
	}
	now := l.now()
	l.mu.Lock()
	b, ok := l.clients[ip]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(float64(l.cfg.PerMinute)/60), l.cfg.Burst)}
		l.clients[ip] = b
	}
	b.lastSeen = now
	l.mu.Unlock()
	return b.limiter.AllowN(now, 1)
}

// Clients returns the number of tracked clients.
func (l *Limiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// Sweep forgets clients idle for longer than IdleAfter.
func (l *Limiter) Sweep() {
	cutoff := l.now().Add(-l.cfg.IdleAfter)
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, b := range l.clients {
		if b.lastSeen.Before(cutoff) {
			delete(l.clients, ip)
		}
	}
}

// Run sweeps once a minute until ctx ends.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// Handler rejects requests over the limit with 429 and a JSON detail.
func (l *Limiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(ClientIP(r, l.cfg.TrustedProxies)) {
			retry := 60.0 / math.Max(float64(l.cfg.PerMinute), 1)
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retry))))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{"detail": "too many connection attempts"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the address of the TCP peer, or the forwarded client
// address when the peer is a trusted proxy.
func ClientIP(r *http.Request, trustedProxies []string) string {
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(peer); err == nil {
		peer = host
	}
	if !slices.Contains(trustedProxies, peer) {
		return peer
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	return peer
}
