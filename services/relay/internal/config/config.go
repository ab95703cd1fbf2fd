// Package config loads the relay configuration from file, environment and
// secret stores.
package config

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/nguyenvantinh06/oauth-relay/services/relay/internal/oauth"
	"github.com/nguyenvantinh06/oauth-relay/services/relay/internal/session"
	"github.com/nguyenvantinh06/oauth-relay/services/relay/internal/signing"
	"github.com/nguyenvantinh06/oauth-relay/services/shared/cache"
	"github.com/nguyenvantinh06/oauth-relay/services/shared/circuitbreaker"
	"github.com/nguyenvantinh06/oauth-relay/services/shared/events"
	"github.com/nguyenvantinh06/oauth-relay/services/shared/logger"
	"github.com/nguyenvantinh06/oauth-relay/services/shared/middleware"
	"github.com/nguyenvantinh06/oauth-relay/services/shared/secrets"
	tlsutil "github.com/nguyenvantinh06/oauth-relay/services/shared/tls"
	"github.com/nguyenvantinh06/oauth-relay/services/shared/tracing"
)

// EnvPrefix prefixes every environment override, e.g. RELAY_SERVER_PORT.
const EnvPrefix = "RELAY"

// Config holds the relay configuration.
type Config struct {
	Server struct {
		Host string `mapstructure:"host"`
		Port int    `mapstructure:"port"`
		// PublicURL is the externally visible base URL. When empty it is
		// derived from each request.
		PublicURL       string        `mapstructure:"public_url"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
		TrustForwarded  bool          `mapstructure:"trust_forwarded"`
	} `mapstructure:"server"`

	TLS tlsutil.Config `mapstructure:"tls"`

	Upstream struct {
		Timeout time.Duration `mapstructure:"timeout"`
		// CAFile adds roots for providers behind a private CA.
		CAFile string `mapstructure:"ca_file"`
	} `mapstructure:"upstream"`

	// EnabledProviders adds providers by name without a providers entry, so
	// a deployment can be configured from the environment alone.
	EnabledProviders []string                `mapstructure:"enabled_providers"`
	Providers        map[string]oauth.Config `mapstructure:"providers"`

	Session session.Config `mapstructure:"session"`
	Signing signing.Config `mapstructure:"signing"`

	Replay struct {
		Enabled bool          `mapstructure:"enabled"`
		TTL     time.Duration `mapstructure:"ttl"`
	} `mapstructure:"replay"`

	Secrets struct {
		EnvPrefix string               `mapstructure:"env_prefix"`
		Consul    secrets.ConsulConfig `mapstructure:"consul"`
	} `mapstructure:"secrets"`

	Redis          cache.Config               `mapstructure:"redis"`
	NATS           events.Config              `mapstructure:"nats"`
	Tracing        tracing.Config             `mapstructure:"tracing"`
	Log            logger.Config              `mapstructure:"log"`
	CORS           middleware.CORSConfig      `mapstructure:"cors"`
	RateLimit      middleware.RateLimitConfig `mapstructure:"rate_limit"`
	CircuitBreaker circuitbreaker.Config      `mapstructure:"circuit_breaker"`
}

// Load reads configuration. An empty path searches relay.yaml in the
// working directory, ./configs and /etc/oauth-relay; a missing file is not
// an error.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("relay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/oauth-relay")
	}

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("upstream.timeout", "10s")
	v.SetDefault("enabled_providers", []string{})

	v.SetDefault("session.refresh_schedule", "0 */15 * * * *")
	v.SetDefault("session.refetch_interval", "1m")
	v.SetDefault("session.leeway", "30s")

	v.SetDefault("signing.enabled", false)
	v.SetDefault("signing.ttl", "1h")

	v.SetDefault("replay.enabled", false)
	v.SetDefault("replay.ttl", "10m")

	v.SetDefault("secrets.consul.enabled", false)
	v.SetDefault("secrets.consul.key_prefix", "oauth-relay/")

	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "1s")
	v.SetDefault("redis.write_timeout", "1s")
	v.SetDefault("redis.key_prefix", "oauth-relay:")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.name", "oauth-relay")
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.max_reconnects", 60)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "oauth-relay")
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.sample_rate", 1.0)
	v.SetDefault("tracing.insecure", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.service_name", "oauth-relay")
	v.SetDefault("log.environment", "development")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests_per_second", 10)
	v.SetDefault("rate_limit.burst", 20)

	v.SetDefault("circuit_breaker.failure_threshold", 5)
	v.SetDefault("circuit_breaker.success_threshold", 2)
	v.SetDefault("circuit_breaker.timeout", "30s")
	v.SetDefault("circuit_breaker.max_half_open_requests", 1)
}

// Validate checks settings that do not depend on secret resolution.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	if len(c.ProviderNames()) == 0 {
		return fmt.Errorf("no providers configured")
	}
	if c.Replay.Enabled && !c.Redis.Enabled {
		return fmt.Errorf("replay.enabled requires redis.enabled")
	}
	if c.TLS.CertFile != "" && c.TLS.KeyFile == "" || c.TLS.CertFile == "" && c.TLS.KeyFile != "" {
		return fmt.Errorf("tls.cert_file and tls.key_file must be set together")
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// ProviderNames returns every configured provider name, sorted.
func (c *Config) ProviderNames() []string {
	seen := make(map[string]struct{}, len(c.Providers)+len(c.EnabledProviders))
	for name := range c.Providers {
		seen[strings.ToLower(name)] = struct{}{}
	}
	for _, name := range c.EnabledProviders {
		if name = strings.ToLower(strings.TrimSpace(name)); name != "" {
			seen[name] = struct{}{}
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SecretStore builds the credential store chain: environment first, then
// Consul when enabled.
func (c *Config) SecretStore() (secrets.Store, error) {
	chain := secrets.Chain{secrets.NewEnvStore(c.Secrets.EnvPrefix)}
	if c.Secrets.Consul.Enabled {
		consul, err := secrets.NewConsulStore(c.Secrets.Consul)
		if err != nil {
			return nil, err
		}
		chain = append(chain, consul)
	}
	return chain, nil
}

// ResolveProviders returns validated provider configs with defaults applied
// and credentials resolved from store.
func (c *Config) ResolveProviders(ctx context.Context, store secrets.Store) ([]oauth.Config, error) {
	names := c.ProviderNames()
	out := make([]oauth.Config, 0, len(names))

	for _, name := range names {
		p := c.provider(name)
		p.Name = name
		p = p.WithDefaults()

		creds, err := secrets.Resolve(ctx, store, name, secrets.Credentials{
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			CodeVerifier: p.CodeVerifier,
		})
		if err != nil {
			return nil, err
		}
		p.ClientID, p.ClientSecret, p.CodeVerifier = creds.ClientID, creds.ClientSecret, creds.CodeVerifier

		if err := p.Validate(); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (c *Config) provider(name string) oauth.Config {
	for key, p := range c.Providers {
		if strings.EqualFold(key, name) {
			return p
		}
	}
	return oauth.Config{}
}
