package session

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/nguyenvantinh06/oauth-relay/services/shared/errors"
	"github.com/nguyenvantinh06/oauth-relay/services/shared/logger"
	"github.com/nguyenvantinh06/oauth-relay/services/shared/metrics"
)

// KeySet holds the identity pool's signing keys in a jwk.Cache. The cache is
// registered on the first refresh and refreshed explicitly by Refresh.
type KeySet struct {
	url             string
	cache           *jwk.Cache
	refetchInterval time.Duration
	metrics         *metrics.Metrics
	log             *logger.Logger

	mu          sync.Mutex
	registered  bool
	lastSuccess time.Time
	lastAttempt time.Time
}

// NewKeySet creates a KeySet for the JWKS at url. Keys are loaded on first
// use or by Refresh. ctx bounds the cache's background workers. m may be nil.
func NewKeySet(ctx context.Context, url string, client *http.Client, refetchInterval time.Duration, m *metrics.Metrics, log *logger.Logger) (*KeySet, error) {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if refetchInterval <= 0 {
		refetchInterval = time.Minute
	}
	if log == nil {
		log = logger.Default()
	}

	cache, err := jwk.NewCache(ctx, httprc.NewClient(httprc.WithHTTPClient(client)))
	if err != nil {
		return nil, fmt.Errorf("creating jwks cache: %w", err)
	}

	return &KeySet{
		url:             url,
		cache:           cache,
		refetchInterval: refetchInterval,
		metrics:         m,
		log:             log.WithComponent("jwks"),
	}, nil
}

// Refresh fetches the current key set into the cache.
func (k *KeySet) Refresh(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.lastAttempt = time.Now()

	n, err := k.refreshLocked(ctx)
	if k.metrics != nil {
		k.metrics.RecordJWKSRefresh(err == nil)
	}
	if err != nil {
		k.log.WarnContext(ctx, "jwks refresh failed", "url", k.url, "error", err.Error())
		return err
	}

	k.lastSuccess = time.Now()
	k.log.DebugContext(ctx, "jwks refreshed", "keys", n)
	return nil
}

func (k *KeySet) refreshLocked(ctx context.Context) (int, error) {
	if !k.registered {
		if err := k.cache.Register(ctx, k.url); err != nil {
			_ = k.cache.Unregister(ctx, k.url)
			return 0, fmt.Errorf("fetching jwks: %w", err)
		}
		k.registered = true

		set, err := k.cache.Lookup(ctx, k.url)
		if err != nil {
			return 0, fmt.Errorf("fetching jwks: %w", err)
		}
		return set.Len(), nil
	}

	set, err := k.cache.Refresh(ctx, k.url)
	if err != nil {
		return 0, fmt.Errorf("fetching jwks: %w", err)
	}
	return set.Len(), nil
}

// Key returns the public key for kid. An unknown kid triggers one refetch,
// at most once per refetch interval, to pick up rotated keys.
func (k *KeySet) Key(ctx context.Context, kid string) (any, error) {
	set := k.current(ctx)
	if key, ok := lookup(set, kid); ok {
		return key, nil
	}

	k.mu.Lock()
	due := time.Since(k.lastAttempt) >= k.refetchInterval
	k.mu.Unlock()

	if due && k.Refresh(ctx) == nil {
		set = k.current(ctx)
		if key, ok := lookup(set, kid); ok {
			return key, nil
		}
	}

	if set == nil || set.Len() == 0 {
		return nil, errors.Unavailable("session keys unavailable")
	}
	return nil, errors.SessionInvalid("unknown signing key")
}

func (k *KeySet) current(ctx context.Context) jwk.Set {
	k.mu.Lock()
	registered := k.registered
	k.mu.Unlock()
	if !registered {
		return nil
	}

	set, err := k.cache.Lookup(ctx, k.url)
	if err != nil {
		return nil
	}
	return set
}

// lookup exports the public half of kid's key. Private key material
// published by mistake is never used as is.
func lookup(set jwk.Set, kid string) (any, bool) {
	if set == nil || kid == "" {
		return nil, false
	}
	key, ok := set.LookupKeyID(kid)
	if !ok {
		return nil, false
	}
	pub, err := jwk.PublicKeyOf(key)
	if err != nil {
		return nil, false
	}
	var raw any
	if err := jwk.Export(pub, &raw); err != nil {
		return nil, false
	}
	return raw, true
}

// LastSuccess returns when keys were last loaded, zero if never.
func (k *KeySet) LastSuccess() time.Time {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lastSuccess
}
