// Package main is the entry point for the OAuth relay service.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nguyenvantinh06/oauth-relay/services/relay/internal/config"
	"github.com/nguyenvantinh06/oauth-relay/services/relay/internal/handler"
	"github.com/nguyenvantinh06/oauth-relay/services/relay/internal/oauth"
	"github.com/nguyenvantinh06/oauth-relay/services/relay/internal/replay"
	"github.com/nguyenvantinh06/oauth-relay/services/relay/internal/session"
	"github.com/nguyenvantinh06/oauth-relay/services/relay/internal/signing"
	"github.com/nguyenvantinh06/oauth-relay/services/shared/cache"
	"github.com/nguyenvantinh06/oauth-relay/services/shared/circuitbreaker"
	"github.com/nguyenvantinh06/oauth-relay/services/shared/events"
	"github.com/nguyenvantinh06/oauth-relay/services/shared/health"
	"github.com/nguyenvantinh06/oauth-relay/services/shared/logger"
	"github.com/nguyenvantinh06/oauth-relay/services/shared/metrics"
	"github.com/nguyenvantinh06/oauth-relay/services/shared/middleware"
	"github.com/nguyenvantinh06/oauth-relay/services/shared/scheduler"
	tlsutil "github.com/nguyenvantinh06/oauth-relay/services/shared/tls"
	"github.com/nguyenvantinh06/oauth-relay/services/shared/tracing"
)

const serviceName = "oauth-relay"

// jwksMaxAge is how stale the identity-pool keys may get before readiness
// reports degraded.
const jwksMaxAge = time.Hour

func main() {
	cfg, err := config.Load(os.Getenv("RELAY_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Log)
	log := logger.Default()

	if err := run(cfg, log); err != nil {
		log.Error("relay stopped with error", "error", err.Error())
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting oauth relay",
		"address", cfg.Addr(),
		"providers", cfg.ProviderNames(),
		"tls_enabled", cfg.TLS.Enabled(),
		"version", version(),
	)

	// Tracing
	cfg.Tracing.ServiceVersion = version()
	cfg.Tracing.Environment = cfg.Log.Environment
	tracer, tracingCleanup, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		log.Error("failed to initialize tracing", "error", err.Error())
		tracer, tracingCleanup = nil, nil
	} else if cfg.Tracing.Enabled {
		log.Info("tracing initialized", "endpoint", cfg.Tracing.Endpoint)
	} else {
		tracer = nil
	}

	m := metrics.New(metrics.Config{ServiceName: serviceName})

	checker := health.NewChecker(
		health.WithVersion(version()),
		health.WithTimeout(5*time.Second),
	)

	// Credentials
	store, err := cfg.SecretStore()
	if err != nil {
		return fmt.Errorf("creating secret store: %w", err)
	}
	providers, err := cfg.ResolveProviders(ctx, store)
	if err != nil {
		return fmt.Errorf("resolving providers: %w", err)
	}

	// NATS events (optional)
	var publisher events.Publisher = events.Nop{}
	var eventsClient *events.Client
	if cfg.NATS.Enabled {
		eventsClient, err = events.New(cfg.NATS, natsListener{log: log})
		if err != nil {
			log.Warn("failed to connect to NATS, events disabled", "error", err.Error())
		} else {
			publisher = eventsClient
			checker.Register("nats", health.OptionalPingCheck("nats", eventsClient.Ping))
			log.Info("connected to NATS", "url", cfg.NATS.URL)
		}
	}

	// Redis replay guard (optional)
	var cacheClient *cache.Client
	var guard *replay.Guard
	if cfg.Redis.Enabled {
		cacheClient, err = cache.New(ctx, cfg.Redis)
		if err != nil {
			log.Warn("failed to connect to Redis, replay guard disabled", "error", err.Error())
		} else {
			checker.Register("redis", health.OptionalPingCheck("redis", cacheClient.Ping))
			log.Info("connected to Redis", "address", cfg.Redis.Address)
			if cfg.Replay.Enabled {
				guard = replay.New(cacheClient, cfg.Replay.TTL, log, m)
			}
		}
	}

	// Upstream providers
	clientTLS, err := tlsutil.ClientTLSConfig(tlsutil.Config{CAFile: cfg.Upstream.CAFile})
	if err != nil {
		return fmt.Errorf("configuring upstream TLS: %w", err)
	}
	transport := oauth.NewTransport(clientTLS)

	cbConfig := cfg.CircuitBreaker
	cbConfig.OnStateChange = func(name string, from, to circuitbreaker.State) {
		log.Info("circuit breaker state changed",
			"provider", name,
			"from", from.String(),
			"to", to.String(),
		)
		m.SetCircuitBreakerState(name, int(to))
		if to == circuitbreaker.StateOpen {
			m.RecordCircuitBreakerTrip(name)
		}
		event := events.NewEvent(events.EventCircuitChanged, name, map[string]any{
			"from": from.String(),
			"to":   to.String(),
		})
		if err := publisher.PublishEvent(context.Background(), event); err != nil {
			log.Debug("event not published", "type", event.Type, "error", err.Error())
		}
	}

	relays := make([]handler.Relay, 0, len(providers))
	for _, p := range providers {
		client, err := oauth.NewClient(p,
			oauth.WithHTTPClient(oauth.InstrumentedClient(p.Name, transport, m, cfg.Upstream.Timeout)),
			oauth.WithLogger(log),
		)
		if err != nil {
			return fmt.Errorf("creating provider %s: %w", p.Name, err)
		}
		guarded := oauth.NewGuarded(client, circuitbreaker.New(p.Name, cbConfig), m)
		checker.Register("provider_"+p.Name, guarded.HealthCheck())
		relays = append(relays, handler.Relay{Config: p, Provider: guarded})
		log.Info("provider configured", "provider", p.Name, "kind", string(p.Kind), "token_url", p.TokenURL)
	}

	// ID token signing (optional)
	signer, err := signing.New(cfg.Signing)
	if err != nil {
		return fmt.Errorf("loading signing key: %w", err)
	}
	if signer != nil {
		log.Info("id token signing enabled", "kid", signer.KeyID())
		if cfg.Signing.PrivateKeyFile == "" {
			log.Warn("signing key generated at startup; tokens will not verify across instances or restarts")
		}
	}

	// Identity-pool sessions
	jobs := scheduler.New(func(name string, err error) {
		log.Warn("scheduled job failed", "job", name, "error", err.Error())
	})
	var sessions *session.Authorizer
	if cfg.Session.Enabled() {
		keys, err := session.NewKeySet(ctx, cfg.Session.KeysURL(),
			&http.Client{Transport: transport, Timeout: 5 * time.Second},
			cfg.Session.RefetchInterval, m, log)
		if err != nil {
			return err
		}
		if err := keys.Refresh(ctx); err != nil {
			log.Warn("initial identity-pool key fetch failed", "error", err.Error())
		}
		if err := jobs.AddJob("jwks-refresh", cfg.Session.RefreshSchedule, keys.Refresh); err != nil {
			return err
		}
		checker.Register("jwks", health.FreshnessCheck("identity pool keys", jwksMaxAge, keys.LastSuccess))
		sessions = session.NewAuthorizer(cfg.Session, keys.Key, log)
	} else {
		log.Warn("session.issuer is not set; private routes reject every request")
	}
	jobs.Start()
	defer jobs.Stop()
	for _, job := range jobs.Jobs() {
		log.Info("job scheduled", "job", job.Name)
	}

	// HTTP
	var tokenLimiter func(http.Handler) http.Handler
	if cfg.RateLimit.Enabled {
		rlCfg := cfg.RateLimit
		rlCfg.TrustForwarded = rlCfg.TrustForwarded || cfg.Server.TrustForwarded
		limiter := middleware.NewRateLimiter(rlCfg, m)
		defer limiter.Stop()
		tokenLimiter = limiter.Middleware
	}

	h := handler.New(handler.Options{
		Relays:         relays,
		Signer:         signer,
		Replay:         guard,
		Sessions:       sessions,
		TokenLimiter:   tokenLimiter,
		Events:         publisher,
		PublicURL:      cfg.Server.PublicURL,
		TrustForwarded: cfg.Server.TrustForwarded,
		Logger:         log,
	})

	server := &http.Server{
		Addr: cfg.Addr(),
		Handler: handler.NewRouter(h, handler.RouterConfig{
			Logger:  log,
			Metrics: m,
			Health:  checker,
			CORS:    cfg.CORS,
			Tracing: tracer,
		}),
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if cfg.TLS.Enabled() {
		server.TLSConfig, err = tlsutil.ServerTLSConfig(cfg.TLS)
		if err != nil {
			return fmt.Errorf("configuring TLS: %w", err)
		}
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting HTTP server", "address", server.Addr, "tls", cfg.TLS.Enabled())
		var err error
		if cfg.TLS.Enabled() {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", "error", err.Error())
	}
	if cacheClient != nil {
		if err := cacheClient.Close(); err != nil {
			log.Error("redis close error", "error", err.Error())
		}
	}
	if eventsClient != nil {
		if err := eventsClient.Close(); err != nil {
			log.Error("nats close error", "error", err.Error())
		}
	}
	if tracingCleanup != nil {
		if err := tracingCleanup(shutdownCtx); err != nil {
			log.Error("tracing shutdown error", "error", err.Error())
		}
	}

	log.Info("server stopped")
	return nil
}

// natsListener logs NATS connection changes.
type natsListener struct {
	log *logger.Logger
}

func (l natsListener) Disconnected(err error) {
	if err != nil {
		l.log.Warn("disconnected from NATS", "error", err.Error())
	}
}

func (l natsListener) Reconnected(url string) {
	l.log.Info("reconnected to NATS", "url", url)
}

func version() string {
	if v := os.Getenv("VERSION"); v != "" {
		return v
	}
	return "dev"
}
