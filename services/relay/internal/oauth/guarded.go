package oauth

import (
	"context"
	"time"

	"github.com/nguyenvantinh06/oauth-relay/services/shared/circuitbreaker"
	"github.com/nguyenvantinh06/oauth-relay/services/shared/errors"
	"github.com/nguyenvantinh06/oauth-relay/services/shared/health"
	"github.com/nguyenvantinh06/oauth-relay/services/shared/metrics"
	"github.com/nguyenvantinh06/oauth-relay/services/shared/tracing"
)

const outcomeOK = "ok"

// Guarded wraps a Provider with a circuit breaker, metrics and tracing.
type Guarded struct {
	inner   Provider
	cb      *circuitbreaker.CircuitBreaker
	metrics *metrics.Metrics
}

// NewGuarded wraps p. A nil breaker or nil metrics disables that concern.
func NewGuarded(p Provider, cb *circuitbreaker.CircuitBreaker, m *metrics.Metrics) *Guarded {
	return &Guarded{inner: p, cb: cb, metrics: m}
}

// Name returns the provider name.
func (g *Guarded) Name() string {
	return g.inner.Name()
}

// HealthCheck reports the provider degraded while its circuit is not
// closed.
func (g *Guarded) HealthCheck() health.Check {
	return func(context.Context) health.ComponentHealth {
		if g.cb == nil {
			return health.ComponentHealth{Status: health.StatusUp}
		}
		stats := g.cb.Stats()
		details := map[string]any{"circuit": stats.State.String(), "failures": stats.Failures}
		if !stats.LastFailure.IsZero() {
			details["last_failure"] = stats.LastFailure.UTC().Format(time.RFC3339)
		}
		if stats.State != circuitbreaker.StateClosed {
			return health.ComponentHealth{
				Status:  health.StatusDegraded,
				Message: g.Name() + " circuit " + stats.State.String(),
				Details: details,
			}
		}
		return health.ComponentHealth{Status: health.StatusUp, Details: details}
	}
}

// Exchange runs the code exchange through the breaker.
func (g *Guarded) Exchange(ctx context.Context, req ExchangeRequest) (*Token, error) {
	ctx, span := tracing.StartUpstreamSpan(ctx, g.Name(), "token_exchange")
	defer span.End()

	var tok *Token
	err := g.run(ctx, func(ctx context.Context) error {
		var err error
		tok, err = g.inner.Exchange(ctx, req)
		return err
	})

	g.record(g.recordExchange, err)
	if err != nil {
		tracing.WithError(span, err)
		return nil, err
	}
	tracing.WithSuccess(span)
	return tok, nil
}

// FetchProfile runs the user-info call through the breaker.
func (g *Guarded) FetchProfile(ctx context.Context, accessToken string) (*UserProfile, error) {
	ctx, span := tracing.StartUpstreamSpan(ctx, g.Name(), "userinfo")
	defer span.End()

	var profile *UserProfile
	err := g.run(ctx, func(ctx context.Context) error {
		var err error
		profile, err = g.inner.FetchProfile(ctx, accessToken)
		return err
	})

	g.record(g.recordProfile, err)
	if err != nil {
		tracing.WithError(span, err)
		return nil, err
	}
	tracing.WithSuccess(span)
	return profile, nil
}

func (g *Guarded) run(ctx context.Context, fn func(context.Context) error) error {
	if g.cb == nil {
		return fn(ctx)
	}

	err := g.cb.ExecuteClassified(ctx, fn, countsAgainstProvider)
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return errors.CircuitOpen("provider temporarily unavailable").
			WithDetails(map[string]any{"provider": g.Name()})
	}
	return err
}

// countsAgainstProvider reports whether err says the provider is unhealthy.
// Rejected codes and revoked tokens are the caller's problem.
func countsAgainstProvider(err error) bool {
	if err == nil {
		return false
	}
	if errors.IsCode(err, errors.CodeCanceled) {
		return false
	}
	return errors.From(err).IsTransient()
}

func (g *Guarded) recordExchange(outcome string) {
	g.metrics.RecordTokenExchange(g.Name(), outcome)
}

func (g *Guarded) recordProfile(outcome string) {
	g.metrics.RecordProfileFetch(g.Name(), outcome)
}

func (g *Guarded) record(rec func(string), err error) {
	if g.metrics == nil {
		return
	}
	if err != nil {
		rec(string(errors.GetCode(err)))
		return
	}
	rec(outcomeOK)
}
