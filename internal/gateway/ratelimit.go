package gateway

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/basket/go-fleet/internal/config"
	otelPkg "github.com/basket/go-fleet/internal/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter enforces a per-client-address request rate on the REST API.
type RateLimiter struct {
	cfg     config.RateLimitConfig
	metrics *otelPkg.Metrics
	now     func() time.Time

	mu       sync.Mutex
	visitors map[string]*visitor
}

func NewRateLimiter(cfg config.RateLimitConfig, metrics *otelPkg.Metrics) *RateLimiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 40
	}
	if metrics == nil {
		metrics = otelPkg.NoopMetrics()
	}
	return &RateLimiter{
		cfg:      cfg,
		metrics:  metrics,
		now:      time.Now,
		visitors: make(map[string]*visitor),
	}
}

// StartEviction drops visitors idle for longer than maxAge every interval
// until ctx is done.
func (rl *RateLimiter) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.EvictStale(maxAge)
			}
		}
	}()
}

func (rl *RateLimiter) EvictStale(maxAge time.Duration) {
	cutoff := rl.now().Add(-maxAge)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	evicted := 0
	for key, v := range rl.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(rl.visitors, key)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("rate limiter eviction", "evicted", evicted, "remaining", len(rl.visitors))
	}
}

// VisitorCount returns the number of tracked client addresses.
func (rl *RateLimiter) VisitorCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.visitors)
}

func (rl *RateLimiter) limiterFor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	v, ok := rl.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(rl.cfg.RequestsPerSecond), rl.cfg.Burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = rl.now()
	return v.limiter
}

// Wrap applies the limit to /api routes. Health, metrics and the WebSocket
// upgrade are never limited here; sessions carry their own limiter.
func (rl *RateLimiter) Wrap(next http.Handler) http.Handler {
	if !rl.cfg.Enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz", "/metrics", "/ws":
			next.ServeHTTP(w, r)
			return
		}
		if !rl.limiterFor(clientAddr(r)).Allow() {
			rl.metrics.RateLimitRejects.Add(r.Context(), 1, metric.WithAttributes(otelPkg.AttrRoute.String(r.URL.Path)))
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// newSessionLimiter builds the per-connection message limiter.
func newSessionLimiter(cfg config.SessionRateLimitConfig) *rate.Limiter {
	if cfg.MessagesPerSecond <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(cfg.MessagesPerSecond)
	}
	return rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), burst)
}
