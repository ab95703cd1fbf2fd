package middleware

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"github.com/nguyenvantinh06/oauth-relay/services/shared/logger"
	"github.com/nguyenvantinh06/oauth-relay/services/shared/tracing"
)

// TracingConfig holds tracing middleware configuration.
type TracingConfig struct {
	Provider  *tracing.Provider
	SkipPaths []string
}

// Tracing returns middleware that starts a server span per request. The span
// is renamed to the matched chi route once routing has happened.
func Tracing(cfg TracingConfig) func(http.Handler) http.Handler {
	skip := make(map[string]bool, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skip[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			ctx := tracing.ExtractHTTP(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := cfg.Provider.StartServerSpan(ctx, tracing.HTTPSpanName(r.Method, r.URL.Path),
				semconv.ServerAddress(r.Host),
				attribute.String("http.user_agent", r.UserAgent()),
			)
			defer span.End()

			if reqID := GetRequestID(ctx); reqID != "" {
				span.SetAttributes(attribute.String("request.id", reqID))
			}
			if traceID := tracing.TraceIDFromContext(ctx); traceID != "" {
				ctx = context.WithValue(ctx, logger.TraceIDKey, traceID)
			}

			rw := newResponseWriter(w)
			next.ServeHTTP(rw, r.WithContext(ctx))

			if rctx := chi.RouteContext(ctx); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					span.SetName(tracing.HTTPSpanName(r.Method, pattern))
					span.SetAttributes(semconv.HTTPRoute(pattern))
				}
			}
			tracing.WithHTTPAttributes(span, r.Method, r.URL.Path, rw.status)
			if rw.status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rw.status))
			}
		})
	}
}
