// Package replay rejects a second presentation of an authorization code
// before it reaches the provider.
package replay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/nguyenvantinh06/oauth-relay/services/shared/errors"
	"github.com/nguyenvantinh06/oauth-relay/services/shared/logger"
	"github.com/nguyenvantinh06/oauth-relay/services/shared/metrics"
)

// DefaultTTL outlives any provider's authorization code lifetime.
const DefaultTTL = 10 * time.Minute

const storeTimeout = 250 * time.Millisecond

// Store is the subset of the cache client the guard needs.
type Store interface {
	SetNX(ctx context.Context, key, value string, expiration time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
}

// Guard remembers hashed codes for a TTL. A nil *Guard accepts everything.
type Guard struct {
	store   Store
	ttl     time.Duration
	log     *logger.Logger
	metrics *metrics.Metrics
}

// New creates a Guard. m may be nil.
func New(store Store, ttl time.Duration, log *logger.Logger, m *metrics.Metrics) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = logger.Default()
	}
	return &Guard{
		store:   store,
		ttl:     ttl,
		log:     log.WithComponent("replay"),
		metrics: m,
	}
}

// Claim records the first presentation of code. A code already claimed
// yields UPSTREAM_REJECTED, the same answer the provider gives. When the
// store is unreachable the claim is allowed and the provider stays the
// authority.
func (g *Guard) Claim(ctx context.Context, provider, code string) error {
	if g == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	first, err := g.store.SetNX(ctx, key(provider, code), time.Now().UTC().Format(time.RFC3339), g.ttl)
	if err != nil {
		g.log.WarnContext(ctx, "replay store unavailable, allowing code", "provider", provider, "error", err.Error())
		return nil
	}
	if !first {
		if g.metrics != nil {
			g.metrics.RecordReplayRejected(provider)
		}
		return errors.UpstreamRejected("authorization code already presented")
	}
	return nil
}

// Release forgets a claim. It is used when the exchange failed without a
// provider verdict, so the code may still be valid.
func (g *Guard) Release(ctx context.Context, provider, code string) {
	if g == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	if err := g.store.Delete(ctx, key(provider, code)); err != nil {
		g.log.WarnContext(ctx, "releasing code claim failed", "provider", provider, "error", err.Error())
	}
}

// key never contains the code itself.
func key(provider, code string) string {
	sum := sha256.Sum256([]byte(code))
	return "code:" + provider + ":" + hex.EncodeToString(sum[:])
}
