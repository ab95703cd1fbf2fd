// Package secrets resolves OAuth client credentials from the environment or
// from Consul KV.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/hashicorp/consul/api"
)

// ErrNotFound is returned when a store has no value for a name.
var ErrNotFound = errors.New("secret not found")

// Secret names, relative to a provider.
const (
	ClientIDName     = "client_id"
	ClientSecretName = "client_secret"
	CodeVerifierName = "code_verifier"
)

// Store looks up secret values by name. Names have the form
// "<provider>/<key>", e.g. "twitter/client_secret".
type Store interface {
	Get(ctx context.Context, name string) (string, error)
}

// Credentials are OAuth client credentials. They format as redacted in logs
// and in fmt output.
type Credentials struct {
	ClientID     string
	ClientSecret string
	// CodeVerifier is an optional static PKCE verifier.
	CodeVerifier string
}

// String implements fmt.Stringer.
func (c Credentials) String() string {
	return "Credentials{ClientID:[REDACTED], ClientSecret:[REDACTED], CodeVerifier:[REDACTED]}"
}

// GoString implements fmt.GoStringer.
func (c Credentials) GoString() string {
	return c.String()
}

// LogValue implements slog.LogValuer.
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Bool("client_id_set", c.ClientID != ""),
		slog.Bool("client_secret_set", c.ClientSecret != ""),
		slog.Bool("code_verifier_set", c.CodeVerifier != ""),
	)
}

// Resolve fills empty fields of base from store. Values already set in base
// win. The client id and secret must be non-empty afterwards; the code
// verifier stays optional.
func Resolve(ctx context.Context, store Store, provider string, base Credentials) (Credentials, error) {
	creds := base
	if store != nil {
		var err error
		if creds.ClientID == "" {
			if creds.ClientID, err = lookup(ctx, store, provider, ClientIDName); err != nil {
				return Credentials{}, err
			}
		}
		if creds.ClientSecret == "" {
			if creds.ClientSecret, err = lookup(ctx, store, provider, ClientSecretName); err != nil {
				return Credentials{}, err
			}
		}
		if creds.CodeVerifier == "" {
			if creds.CodeVerifier, err = lookup(ctx, store, provider, CodeVerifierName); err != nil {
				return Credentials{}, err
			}
		}
	}

	if creds.ClientID == "" || creds.ClientSecret == "" {
		return Credentials{}, fmt.Errorf("credentials for provider %q are incomplete", provider)
	}
	return creds, nil
}

func lookup(ctx context.Context, store Store, provider, key string) (string, error) {
	v, err := store.Get(ctx, provider+"/"+key)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolving %s for provider %q: %w", key, provider, err)
	}
	return v, nil
}

// EnvStore reads secrets from environment variables named
// <PREFIX><PROVIDER>_<KEY>, e.g. TWITTER_CLIENT_SECRET.
type EnvStore struct {
	Prefix string
	lookup func(string) (string, bool)
}

// NewEnvStore creates an EnvStore.
func NewEnvStore(prefix string) *EnvStore {
	return &EnvStore{Prefix: prefix, lookup: os.LookupEnv}
}

// VarName returns the environment variable holding name.
func (s *EnvStore) VarName(name string) string {
	r := strings.NewReplacer("/", "_", "-", "_", ".", "_")
	return strings.ToUpper(s.Prefix + r.Replace(name))
}

// Get implements Store.
func (s *EnvStore) Get(_ context.Context, name string) (string, error) {
	v, ok := s.lookup(s.VarName(name))
	if !ok || v == "" {
		return "", ErrNotFound
	}
	return v, nil
}

// ConsulConfig configures the Consul KV store.
type ConsulConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Address    string `mapstructure:"address"`
	Token      string `mapstructure:"token"`
	Datacenter string `mapstructure:"datacenter"`
	KeyPrefix  string `mapstructure:"key_prefix"`
}

// ConsulStore reads secrets from Consul KV at <KeyPrefix><name>.
type ConsulStore struct {
	client    *api.Client
	kv        *api.KV
	keyPrefix string
}

// NewConsulStore connects to Consul and verifies a leader is elected.
func NewConsulStore(cfg ConsulConfig) (*ConsulStore, error) {
	consulCfg := api.DefaultConfig()
	if cfg.Address != "" {
		consulCfg.Address = cfg.Address
	}
	if cfg.Token != "" {
		consulCfg.Token = cfg.Token
	}
	if cfg.Datacenter != "" {
		consulCfg.Datacenter = cfg.Datacenter
	}

	client, err := api.NewClient(consulCfg)
	if err != nil {
		return nil, fmt.Errorf("creating consul client: %w", err)
	}
	if _, err := client.Status().Leader(); err != nil {
		return nil, fmt.Errorf("connecting to consul: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "oauth-relay/"
	}

	return &ConsulStore{client: client, kv: client.KV(), keyPrefix: prefix}, nil
}

// Get implements Store.
func (s *ConsulStore) Get(ctx context.Context, name string) (string, error) {
	pair, _, err := s.kv.Get(s.keyPrefix+name, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("reading consul key %s: %w", name, err)
	}
	if pair == nil || len(pair.Value) == 0 {
		return "", ErrNotFound
	}
	return strings.TrimSpace(string(pair.Value)), nil
}

// Ping checks that Consul has a leader.
func (s *ConsulStore) Ping(context.Context) error {
	leader, err := s.client.Status().Leader()
	if err != nil {
		return err
	}
	if leader == "" {
		return errors.New("consul has no leader")
	}
	return nil
}

// Chain consults stores in order and returns the first value found.
type Chain []Store

// Get implements Store.
func (c Chain) Get(ctx context.Context, name string) (string, error) {
	for _, s := range c {
		v, err := s.Get(ctx, name)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		return v, err
	}
	return "", ErrNotFound
}
