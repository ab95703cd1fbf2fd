package session

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nguyenvantinh06/oauth-relay/services/shared/errors"
	"github.com/nguyenvantinh06/oauth-relay/services/shared/logger"
	"github.com/nguyenvantinh06/oauth-relay/services/shared/metrics"
)

const issuer = "https://idp.example.com/pool-1"

type pool struct {
	key     *rsa.PrivateKey
	kid     atomic.Value
	fetches atomic.Int32
	srv     *httptest.Server
}

func (p *pool) keyID() string {
	return p.kid.Load().(string)
}

func newPool(t *testing.T) *pool {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	p := &pool{key: key}
	p.kid.Store("kid-1")
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		p.fetches.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key:       &p.key.PublicKey,
			KeyID:     p.keyID(),
			Algorithm: "RS256",
			Use:       "sig",
		}}})
	}))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *pool) sign(t *testing.T, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = p.keyID()
	raw, err := token.SignedString(p.key)
	require.NoError(t, err)
	return raw
}

func validClaims(use string) Claims {
	now := time.Now()
	c := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-sub",
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
		TokenUse: use,
	}
	if use == TokenUseID {
		c.Audience = jwt.ClaimStrings{"app-client"}
		c.PoolUsername = "octocat"
	} else {
		c.ClientID = "app-client"
		c.Username = "octocat"
	}
	return c
}

func newAuthorizer(t *testing.T, p *pool, clientIDs ...string) (*Authorizer, *KeySet) {
	t.Helper()
	log := logger.New(logger.Config{Output: io.Discard})
	ks, err := NewKeySet(t.Context(), p.srv.URL, nil, time.Minute, nil, log)
	require.NoError(t, err)
	return NewAuthorizer(Config{Issuer: issuer, ClientIDs: clientIDs}, ks.Key, log), ks
}

func TestAuthorizer_Verify(t *testing.T) {
	p := newPool(t)
	a, _ := newAuthorizer(t, p, "app-client")
	ctx := context.Background()

	for _, use := range []string{TokenUseID, TokenUseAccess} {
		t.Run(use, func(t *testing.T) {
			s, err := a.Verify(ctx, p.sign(t, validClaims(use)))
			require.NoError(t, err)

			assert.Equal(t, "user-sub", s.Subject)
			assert.Equal(t, "octocat", s.Username)
			assert.Equal(t, "app-client", s.ClientID)
			assert.Equal(t, use, s.TokenUse)
		})
	}
}

func TestAuthorizer_Rejects(t *testing.T) {
	p := newPool(t)
	a, _ := newAuthorizer(t, p, "app-client")

	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token func(t *testing.T) string
		code  errors.Code
	}{
		{"garbage", func(*testing.T) string { return "not-a-jwt" }, errors.CodeSessionInvalid},
		{"expired", func(t *testing.T) string {
			c := validClaims(TokenUseAccess)
			c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
			return p.sign(t, c)
		}, errors.CodeTokenExpired},
		{"wrong issuer", func(t *testing.T) string {
			c := validClaims(TokenUseAccess)
			c.Issuer = "https://evil.example.com"
			return p.sign(t, c)
		}, errors.CodeSessionInvalid},
		{"no expiry", func(t *testing.T) string {
			c := validClaims(TokenUseAccess)
			c.ExpiresAt = nil
			return p.sign(t, c)
		}, errors.CodeSessionInvalid},
		{"refresh token use", func(t *testing.T) string {
			return p.sign(t, validClaims("refresh"))
		}, errors.CodeSessionInvalid},
		{"other client", func(t *testing.T) string {
			c := validClaims(TokenUseAccess)
			c.ClientID = "someone-else"
			return p.sign(t, c)
		}, errors.CodeForbidden},
		{"other audience", func(t *testing.T) string {
			c := validClaims(TokenUseID)
			c.Audience = jwt.ClaimStrings{"someone-else"}
			return p.sign(t, c)
		}, errors.CodeForbidden},
		{"foreign key", func(t *testing.T) string {
			token := jwt.NewWithClaims(jwt.SigningMethodRS256, validClaims(TokenUseAccess))
			token.Header["kid"] = p.keyID()
			raw, err := token.SignedString(other)
			require.NoError(t, err)
			return raw
		}, errors.CodeSessionInvalid},
		{"hmac", func(t *testing.T) string {
			token := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims(TokenUseAccess))
			token.Header["kid"] = p.keyID()
			raw, err := token.SignedString([]byte("secret"))
			require.NoError(t, err)
			return raw
		}, errors.CodeSessionInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Verify(context.Background(), tt.token(t))
			require.Error(t, err)
			assert.Equal(t, tt.code, errors.GetCode(err))
		})
	}
}

func TestAuthorizer_AnyClientWhenUnrestricted(t *testing.T) {
	p := newPool(t)
	a, _ := newAuthorizer(t, p)

	c := validClaims(TokenUseAccess)
	c.ClientID = "whatever"
	_, err := a.Verify(context.Background(), p.sign(t, c))
	assert.NoError(t, err)
}

func TestKeySet_RefetchOnUnknownKidIsRateLimited(t *testing.T) {
	p := newPool(t)
	ks, err := NewKeySet(t.Context(), p.srv.URL, nil, time.Hour, metrics.New(metrics.Config{ServiceName: "test"}), logger.New(logger.Config{Output: io.Discard}))
	require.NoError(t, err)
	ctx := context.Background()

	key, err := ks.Key(ctx, "kid-1")
	require.NoError(t, err)
	assert.IsType(t, &rsa.PublicKey{}, key)
	assert.EqualValues(t, 1, p.fetches.Load())
	assert.False(t, ks.LastSuccess().IsZero())

	for i := 0; i < 3; i++ {
		_, err = ks.Key(ctx, "kid-unknown")
		assert.Equal(t, errors.CodeSessionInvalid, errors.GetCode(err))
	}
	assert.EqualValues(t, 1, p.fetches.Load(), "unknown kids must not hammer the pool")

	require.NoError(t, ks.Refresh(ctx))
	assert.EqualValues(t, 2, p.fetches.Load())
}

func TestKeySet_PicksUpRotatedKey(t *testing.T) {
	p := newPool(t)
	ks, err := NewKeySet(t.Context(), p.srv.URL, nil, time.Millisecond, nil, logger.New(logger.Config{Output: io.Discard}))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, ks.Refresh(ctx))
	p.kid.Store("kid-2")
	time.Sleep(5 * time.Millisecond)

	_, err = ks.Key(ctx, "kid-2")
	assert.NoError(t, err)
}

func TestKeySet_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	ks, err := NewKeySet(t.Context(), srv.URL, nil, time.Minute, nil, logger.New(logger.Config{Output: io.Discard}))
	require.NoError(t, err)
	_, err = ks.Key(context.Background(), "kid-1")
	assert.Equal(t, errors.CodeUnavailable, errors.GetCode(err))
	assert.True(t, ks.LastSuccess().IsZero())
}

func TestKeySet_UsesPublicHalfOfPrivateKeys(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key:       key,
			KeyID:     "kid-private",
			Algorithm: "RS256",
		}}})
	}))
	t.Cleanup(srv.Close)

	ks, err := NewKeySet(t.Context(), srv.URL, nil, time.Minute, nil, logger.New(logger.Config{Output: io.Discard}))
	require.NoError(t, err)

	got, err := ks.Key(context.Background(), "kid-private")
	require.NoError(t, err)
	pub, ok := got.(*rsa.PublicKey)
	require.True(t, ok, "got %T", got)
	assert.True(t, pub.Equal(&key.PublicKey))
}

func TestAuthorizer_Middleware(t *testing.T) {
	p := newPool(t)
	a, _ := newAuthorizer(t, p, "app-client")

	var seen *Session
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	serve := func(header string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/twitter/private", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	t.Run("missing", func(t *testing.T) {
		seen = nil
		rec := serve("")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Nil(t, seen, "handler must not run")
	})

	t.Run("invalid", func(t *testing.T) {
		seen = nil
		rec := serve("Bearer junk")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Nil(t, seen)
	})

	t.Run("wrong client", func(t *testing.T) {
		c := validClaims(TokenUseAccess)
		c.ClientID = "someone-else"
		rec := serve("Bearer " + p.sign(t, c))
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("bearer", func(t *testing.T) {
		rec := serve("Bearer " + p.sign(t, validClaims(TokenUseID)))
		assert.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, seen)
		assert.Equal(t, "user-sub", seen.Subject)
	})

	t.Run("bare token", func(t *testing.T) {
		rec := serve(p.sign(t, validClaims(TokenUseAccess)))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestConfig_KeysURL(t *testing.T) {
	assert.Equal(t, issuer+"/.well-known/jwks.json", Config{Issuer: issuer + "/"}.KeysURL())
	assert.Equal(t, "https://keys.example.com", Config{Issuer: issuer, JWKSURL: "https://keys.example.com"}.KeysURL())
	assert.False(t, Config{}.Enabled())
}
