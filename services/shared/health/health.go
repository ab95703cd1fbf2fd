// Package health provides liveness and readiness endpoints for the relay.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	// StatusUp indicates the component is healthy.
	StatusUp Status = "up"
	// StatusDown indicates the component is unhealthy.
	StatusDown Status = "down"
	// StatusDegraded indicates the relay can serve but with reduced guarantees.
	StatusDegraded Status = "degraded"
)

// Check represents a health check function.
type Check func(ctx context.Context) ComponentHealth

// ComponentHealth represents the health of a single component.
type ComponentHealth struct {
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	LatencyMS int64          `json:"latency_ms"`
}

// Response represents the overall health response.
type Response struct {
	Status     Status                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
}

// Checker manages health checks for the relay.
type Checker struct {
	mu      sync.RWMutex
	checks  map[string]Check
	version string
	timeout time.Duration
}

// Option is a functional option for configuring the Checker.
type Option func(*Checker)

// WithVersion sets the service version.
func WithVersion(version string) Option {
	return func(c *Checker) {
		c.version = version
	}
}

// WithTimeout sets the timeout for individual health checks.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Checker) {
		c.timeout = timeout
	}
}

// NewChecker creates a new health checker.
func NewChecker(opts ...Option) *Checker {
	c := &Checker{
		checks:  make(map[string]Check),
		timeout: 3 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds a health check for a component.
func (c *Checker) Register(name string, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

type result struct {
	name   string
	health ComponentHealth
}

// Check runs all health checks concurrently and returns the overall health.
func (c *Checker) Check(ctx context.Context) Response {
	c.mu.RLock()
	checks := make(map[string]Check, len(c.checks))
	for k, v := range c.checks {
		checks[k] = v
	}
	c.mu.RUnlock()

	response := Response{
		Status:     StatusUp,
		Timestamp:  time.Now().UTC(),
		Version:    c.version,
		Components: make(map[string]ComponentHealth, len(checks)),
	}

	results := make(chan result, len(checks))
	var wg sync.WaitGroup
	for name, check := range checks {
		wg.Add(1)
		go func(name string, check Check) {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()

			start := time.Now()
			h := check(checkCtx)
			h.LatencyMS = time.Since(start).Milliseconds()
			results <- result{name, h}
		}(name, check)
	}
	wg.Wait()
	close(results)

	for r := range results {
		response.Components[r.name] = r.health
		switch r.health.Status {
		case StatusDown:
			response.Status = StatusDown
		case StatusDegraded:
			if response.Status != StatusDown {
				response.Status = StatusDegraded
			}
		}
	}

	return response
}

// Handler serves /health (summary), /health/live and /health/ready (detailed).
func (c *Checker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health/live", "/livez":
			writeJSON(w, http.StatusOK, Response{
				Status:    StatusUp,
				Timestamp: time.Now().UTC(),
				Version:   c.version,
			})
		case "/health/ready", "/readyz":
			c.handleHealth(r.Context(), w, true)
		default:
			c.handleHealth(r.Context(), w, false)
		}
	})
}

func (c *Checker) handleHealth(ctx context.Context, w http.ResponseWriter, detailed bool) {
	response := c.Check(ctx)

	status := http.StatusOK
	if response.Status == StatusDown {
		status = http.StatusServiceUnavailable
	}
	if !detailed {
		response.Components = nil
	}
	writeJSON(w, status, response)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// OptionalPingCheck reports a dependency the relay can run without as
// degraded when ping fails.
func OptionalPingCheck(component string, ping func(context.Context) error) Check {
	return pingCheck(component, ping, StatusDegraded)
}

func pingCheck(component string, ping func(context.Context) error, failed Status) Check {
	return func(ctx context.Context) ComponentHealth {
		if err := ping(ctx); err != nil {
			return ComponentHealth{
				Status:  failed,
				Message: component + " unreachable",
				Details: map[string]any{"error": err.Error()},
			}
		}
		return ComponentHealth{Status: StatusUp}
	}
}

// FreshnessCheck reports degraded when lastSuccess is older than maxAge. It
// backs the identity-pool JWKS cache.
func FreshnessCheck(component string, maxAge time.Duration, lastSuccess func() time.Time) Check {
	return func(context.Context) ComponentHealth {
		at := lastSuccess()
		if at.IsZero() {
			return ComponentHealth{Status: StatusDown, Message: component + " never loaded"}
		}
		age := time.Since(at)
		if age > maxAge {
			return ComponentHealth{
				Status:  StatusDegraded,
				Message: component + " is stale",
				Details: map[string]any{"age_seconds": int64(age.Seconds())},
			}
		}
		return ComponentHealth{Status: StatusUp, Details: map[string]any{"age_seconds": int64(age.Seconds())}}
	}
}
