package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nguyenvantinh06/oauth-relay/services/shared/errors"
	"github.com/nguyenvantinh06/oauth-relay/services/shared/metrics"
)

// RateLimitConfig configures per-client token buckets.
type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	// TrustForwarded keys clients by X-Forwarded-For when the relay sits
	// behind an API gateway.
	TrustForwarded bool `mapstructure:"trust_forwarded"`
}

// RateLimiter implements a per-client token bucket rate limiter.
type RateLimiter struct {
	mu             sync.Mutex
	limiters       map[string]*clientLimiter
	rate           rate.Limit
	burst          int
	trustForwarded bool
	idleAfter      time.Duration
	stopCleanup    chan struct{}
	stopOnce       sync.Once
	metrics        *metrics.Metrics
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a new rate limiter and starts evicting idle clients.
func NewRateLimiter(cfg RateLimitConfig, m *metrics.Metrics) *RateLimiter {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	rl := &RateLimiter{
		limiters:       make(map[string]*clientLimiter),
		rate:           rate.Limit(cfg.RequestsPerSecond),
		burst:          cfg.Burst,
		trustForwarded: cfg.TrustForwarded,
		idleAfter:      3 * time.Minute,
		stopCleanup:    make(chan struct{}),
		metrics:        m,
	}
	go rl.cleanup(time.Minute)
	return rl
}

// Allow reports whether a request from key may proceed.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	cl, ok := rl.limiters[key]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[key] = cl
	}
	cl.lastSeen = time.Now()
	rl.mu.Unlock()

	return cl.limiter.Allow()
}

func (rl *RateLimiter) cleanup(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.evictIdle()
		case <-rl.stopCleanup:
			return
		}
	}
}

func (rl *RateLimiter) evictIdle() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, cl := range rl.limiters {
		if time.Since(cl.lastSeen) > rl.idleAfter {
			delete(rl.limiters, key)
		}
	}
}

// Stop stops the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}

// Middleware returns HTTP middleware that rate limits requests by client IP.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.metrics != nil {
			rl.metrics.RecordRateLimitHit(metrics.RouteLabel(r))
		}

		if !rl.Allow(rl.clientIP(r)) {
			if rl.metrics != nil {
				rl.metrics.RecordRateLimitDrop(metrics.RouteLabel(r))
			}
			WriteError(w, r, errors.RateLimited("too many requests"))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) clientIP(r *http.Request) string {
	if rl.trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
