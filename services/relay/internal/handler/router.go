package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nguyenvantinh06/oauth-relay/services/shared/errors"
	"github.com/nguyenvantinh06/oauth-relay/services/shared/health"
	"github.com/nguyenvantinh06/oauth-relay/services/shared/logger"
	"github.com/nguyenvantinh06/oauth-relay/services/shared/metrics"
	"github.com/nguyenvantinh06/oauth-relay/services/shared/middleware"
	"github.com/nguyenvantinh06/oauth-relay/services/shared/tracing"
)

var operationalPaths = []string{"/health", "/health/live", "/health/ready", "/metrics"}

// RouterConfig wires the shared middleware and operational endpoints around
// the relay routes.
type RouterConfig struct {
	Logger  *logger.Logger
	Metrics *metrics.Metrics
	Health  *health.Checker
	CORS    middleware.CORSConfig
	// Tracing enables server spans when set.
	Tracing *tracing.Provider
}

// NewRouter builds the relay HTTP handler.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID())
	if cfg.Tracing != nil {
		r.Use(middleware.Tracing(middleware.TracingConfig{
			Provider:  cfg.Tracing,
			SkipPaths: operationalPaths,
		}))
	}
	r.Use(middleware.Recovery(log))
	r.Use(middleware.Logging(log))
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.HTTPMiddleware)
	}
	r.Use(middleware.CORS(cfg.CORS))
	r.Use(middleware.Security())

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteError(w, r, errors.NotFound("route not found"))
	})

	if cfg.Health != nil {
		checks := cfg.Health.Handler()
		r.Method(http.MethodGet, "/health", checks)
		r.Method(http.MethodGet, "/health/live", checks)
		r.Method(http.MethodGet, "/health/ready", checks)
	}
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	h.Routes(r)
	return r
}
