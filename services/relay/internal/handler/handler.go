// Package handler serves the relay HTTP routes for each configured provider.
package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nguyenvantinh06/oauth-relay/services/relay/internal/idp"
	"github.com/nguyenvantinh06/oauth-relay/services/relay/internal/oauth"
	"github.com/nguyenvantinh06/oauth-relay/services/relay/internal/replay"
	"github.com/nguyenvantinh06/oauth-relay/services/relay/internal/session"
	"github.com/nguyenvantinh06/oauth-relay/services/relay/internal/signing"
	"github.com/nguyenvantinh06/oauth-relay/services/shared/errors"
	"github.com/nguyenvantinh06/oauth-relay/services/shared/events"
	"github.com/nguyenvantinh06/oauth-relay/services/shared/logger"
	"github.com/nguyenvantinh06/oauth-relay/services/shared/middleware"
	"github.com/nguyenvantinh06/oauth-relay/services/shared/tracing"
)

// PathRegistration serves the identity-pool registration document.
const PathRegistration = "/registration"

// Relay binds an upstream provider to its configuration.
type Relay struct {
	Config   oauth.Config
	Provider oauth.Provider
}

// Options configures a Handler. Only Relays is required.
type Options struct {
	Relays []Relay

	// Signer mints ID tokens on exchange. Nil disables minting.
	Signer *signing.Signer
	// Replay rejects codes presented twice. Nil disables the guard.
	Replay *replay.Guard
	// Sessions guards the private route. Nil rejects every request to it.
	Sessions *session.Authorizer
	// TokenLimiter wraps the token route, usually a rate limiter.
	TokenLimiter func(http.Handler) http.Handler
	Events       events.Publisher

	PublicURL      string
	TrustForwarded bool
	Logger         *logger.Logger
}

type relay struct {
	cfg       oauth.Config
	provider  oauth.Provider
	describer *idp.Describer
}

// Handler serves relay routes.
type Handler struct {
	relays         map[string]*relay
	signer         *signing.Signer
	replay         *replay.Guard
	sessions       *session.Authorizer
	tokenLimiter   func(http.Handler) http.Handler
	events         events.Publisher
	publicURL      string
	trustForwarded bool
	log            *logger.Logger
}

// New creates a Handler.
func New(opts Options) *Handler {
	h := &Handler{
		relays:         make(map[string]*relay, len(opts.Relays)),
		signer:         opts.Signer,
		replay:         opts.Replay,
		sessions:       opts.Sessions,
		tokenLimiter:   opts.TokenLimiter,
		events:         opts.Events,
		publicURL:      strings.TrimSuffix(opts.PublicURL, "/"),
		trustForwarded: opts.TrustForwarded,
		log:            opts.Logger,
	}
	if h.events == nil {
		h.events = events.Nop{}
	}
	if h.log == nil {
		h.log = logger.Default()
	}
	h.log = h.log.WithComponent("handler")

	for _, r := range opts.Relays {
		h.relays[strings.ToLower(r.Config.Name)] = &relay{
			cfg:       r.Config,
			provider:  r.Provider,
			describer: idp.NewDescriber(r.Config, opts.Signer != nil),
		}
	}
	return h
}

// Routes mounts every provider route under /{provider}.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/{provider}", func(r chi.Router) {
		r.Use(h.resolveRelay)

		if h.tokenLimiter != nil {
			r.With(h.tokenLimiter).Post(idp.PathToken, h.Token)
		} else {
			r.Post(idp.PathToken, h.Token)
		}

		r.Get(idp.PathUserInfo, h.UserInfo)
		r.With(h.requireSession).Get(idp.PathPrivate, h.Private)

		r.Get(PathRegistration, h.Registration)
		r.Get(idp.PathDiscovery, h.Discovery)
		r.Get(idp.PathJWKS, h.JWKS)
	})
}

type relayKey struct{}

func relayFrom(ctx context.Context) *relay {
	rl, _ := ctx.Value(relayKey{}).(*relay)
	return rl
}

func (h *Handler) resolveRelay(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rl, ok := h.relays[strings.ToLower(chi.URLParam(r, "provider"))]
		if !ok {
			middleware.WriteError(w, r, errors.NotFound("unknown provider"))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), relayKey{}, rl)))
	})
}

func (h *Handler) requireSession(next http.Handler) http.Handler {
	if h.sessions == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			middleware.WriteError(w, r, errors.Unauthorized("session verification is not configured"))
		})
	}
	return h.sessions.Middleware(next)
}

// baseURL returns the relay prefix for a provider as clients see it.
func (h *Handler) baseURL(r *http.Request, provider string) string {
	if h.publicURL != "" {
		return idp.ProviderBase(h.publicURL, provider)
	}

	scheme, host := "http", r.Host
	if r.TLS != nil {
		scheme = "https"
	}
	if h.trustForwarded {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme, _, _ = strings.Cut(proto, ",")
			scheme = strings.TrimSpace(scheme)
		}
		if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
			host, _, _ = strings.Cut(fwd, ",")
			host = strings.TrimSpace(host)
		}
	}
	return idp.ProviderBase(scheme+"://"+host, provider)
}

// publish emits an event. Delivery is best effort and never fails a request.
func (h *Handler) publish(ctx context.Context, eventType, provider string, data map[string]any) {
	event := events.NewEvent(eventType, provider, data)
	event.RequestID = middleware.GetRequestID(ctx)
	event.TraceID = tracing.TraceIDFromContext(ctx)

	if err := h.events.PublishEvent(ctx, event); err != nil {
		h.log.DebugContext(ctx, "event not published", "type", eventType, "error", err.Error())
	}
}
