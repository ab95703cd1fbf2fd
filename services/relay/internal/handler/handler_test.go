package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nguyenvantinh06/oauth-relay/services/relay/internal/oauth"
	"github.com/nguyenvantinh06/oauth-relay/services/relay/internal/replay"
	"github.com/nguyenvantinh06/oauth-relay/services/relay/internal/session"
	"github.com/nguyenvantinh06/oauth-relay/services/relay/internal/signing"
	"github.com/nguyenvantinh06/oauth-relay/services/shared/cache"
	"github.com/nguyenvantinh06/oauth-relay/services/shared/events"
	"github.com/nguyenvantinh06/oauth-relay/services/shared/health"
	"github.com/nguyenvantinh06/oauth-relay/services/shared/logger"
	"github.com/nguyenvantinh06/oauth-relay/services/shared/metrics"
	"github.com/nguyenvantinh06/oauth-relay/services/shared/middleware"
)

// provider fakes an upstream that honours single-use codes.
type provider struct {
	mu        sync.Mutex
	consumed  map[string]bool
	exchanges int
	userAuth  string

	tokenBody    string
	tokenStatus  int
	userinfoBody string
	userStatus   int
}

func newProvider(t *testing.T) (*provider, *httptest.Server) {
	t.Helper()
	p := &provider{
		consumed:     map[string]bool{},
		tokenStatus:  http.StatusOK,
		tokenBody:    `{"access_token":"tok1","expires_in":3600}`,
		userStatus:   http.StatusOK,
		userinfoBody: `{"id":"u1","email":"a@b.com"}`,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		p.mu.Lock()
		p.exchanges++
		code := r.PostForm.Get("code")
		seen := p.consumed[code]
		status, body := p.tokenStatus, p.tokenBody
		if status < http.StatusInternalServerError {
			p.consumed[code] = true
		}
		p.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if seen {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":"invalid_grant"}`)
			return
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		p.userAuth = r.Header.Get("Authorization")
		status, body := p.userStatus, p.userinfoBody
		p.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return p, srv
}

func (p *provider) setToken(status int, body string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenStatus, p.tokenBody = status, body
}

func (p *provider) exchangeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exchanges
}

// recorder captures published events.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) PublishEvent(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func quietLogger() *logger.Logger {
	return logger.New(logger.Config{Output: io.Discard})
}

func relayFor(t *testing.T, baseURL string, mutate ...func(*oauth.Config)) Relay {
	t.Helper()
	cfg := oauth.Config{
		Name:         "example",
		Kind:         oauth.KindOIDC,
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		IssuerURL:    "https://example.com",
		AuthorizeURL: "https://example.com/authorize",
		TokenURL:     baseURL + "/token",
		UserInfoURL:  baseURL + "/userinfo",
	}
	for _, m := range mutate {
		m(&cfg)
	}
	cfg = cfg.WithDefaults()

	c, err := oauth.NewClient(cfg,
		oauth.WithHTTPClient(&http.Client{Timeout: 2 * time.Second}),
		oauth.WithLogger(quietLogger()),
	)
	require.NoError(t, err)
	return Relay{Config: cfg, Provider: c}
}

func newRouter(t *testing.T, opts Options) http.Handler {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	return NewRouter(New(opts), RouterConfig{Logger: opts.Logger})
}

func postForm(h http.Handler, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func get(h http.Handler, path, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body.Code
}

func newReplayGuard(t *testing.T) (*replay.Guard, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := cache.New(context.Background(), cache.Config{Address: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return replay.New(c, time.Minute, quietLogger(), nil), mr
}

func TestToken_ExchangesCode(t *testing.T) {
	_, srv := newProvider(t)
	rec := &recorder{}
	h := newRouter(t, Options{Relays: []Relay{relayFor(t, srv.URL)}, Events: rec})

	resp := postForm(h, "/example/token", url.Values{"code": {"abc123"}})

	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.JSONEq(t, `{"access_token":"tok1","token_type":"bearer","expires_in":3600}`, resp.Body.String())
	assert.Equal(t, "no-store", resp.Header().Get("Cache-Control"))
	assert.Equal(t, []string{events.EventTokenExchanged}, rec.types())
}

func TestToken_JSONBodyAndScope(t *testing.T) {
	p, srv := newProvider(t)
	p.tokenBody = `{"access_token":"tok2","token_type":"Bearer","scope":"users.read tweet.read"}`
	h := newRouter(t, Options{Relays: []Relay{relayFor(t, srv.URL)}})

	req := httptest.NewRequest(http.MethodPost, "/example/token",
		strings.NewReader(`{"grant_type":"authorization_code","code":"abc123","client_id":"client-id"}`))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)

	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.JSONEq(t, `{"access_token":"tok2","token_type":"bearer","scope":"users.read tweet.read"}`, resp.Body.String())
}

func TestToken_SecondPresentationRejected(t *testing.T) {
	t.Run("by provider", func(t *testing.T) {
		p, srv := newProvider(t)
		h := newRouter(t, Options{Relays: []Relay{relayFor(t, srv.URL)}})

		require.Equal(t, http.StatusOK, postForm(h, "/example/token", url.Values{"code": {"abc123"}}).Code)

		again := postForm(h, "/example/token", url.Values{"code": {"abc123"}})
		assert.Equal(t, http.StatusBadRequest, again.Code)
		assert.Equal(t, "UPSTREAM_REJECTED", errorCode(t, again))
		assert.Equal(t, 2, p.exchangeCount())
	})

	t.Run("by replay guard", func(t *testing.T) {
		p, srv := newProvider(t)
		guard, _ := newReplayGuard(t)
		rec := &recorder{}
		h := newRouter(t, Options{Relays: []Relay{relayFor(t, srv.URL)}, Replay: guard, Events: rec})

		require.Equal(t, http.StatusOK, postForm(h, "/example/token", url.Values{"code": {"abc123"}}).Code)

		again := postForm(h, "/example/token", url.Values{"code": {"abc123"}})
		assert.Equal(t, http.StatusBadRequest, again.Code)
		assert.Equal(t, "UPSTREAM_REJECTED", errorCode(t, again))
		assert.Equal(t, 1, p.exchangeCount(), "a replayed code never reaches the provider")
		assert.Equal(t, []string{events.EventTokenExchanged, events.EventTokenRejected}, rec.types())
	})
}

func TestToken_Errors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		form       url.Values
		wantStatus int
		wantCode   string
	}{
		{
			name:       "missing code",
			form:       url.Values{},
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_INPUT",
		},
		{
			name:       "unsupported grant",
			form:       url.Values{"code": {"abc"}, "grant_type": {"client_credentials"}},
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_INPUT",
		},
		{
			name:       "foreign client id",
			form:       url.Values{"code": {"abc"}, "client_id": {"someone-else"}},
			wantStatus: http.StatusUnauthorized,
			wantCode:   "INVALID_CREDENTIALS",
		},
		{
			name:       "expired code",
			status:     http.StatusBadRequest,
			body:       `{"error":"invalid_grant","error_description":"expired"}`,
			form:       url.Values{"code": {"abc"}},
			wantStatus: http.StatusBadRequest,
			wantCode:   "UPSTREAM_REJECTED",
		},
		{
			name:       "provider failure",
			status:     http.StatusBadGateway,
			body:       `oops`,
			form:       url.Values{"code": {"abc"}},
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "UPSTREAM_ERROR",
		},
		{
			name:       "malformed response",
			status:     http.StatusOK,
			body:       `{"access_token":`,
			form:       url.Values{"code": {"abc"}},
			wantStatus: http.StatusBadGateway,
			wantCode:   "MALFORMED_UPSTREAM",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, srv := newProvider(t)
			if tt.status != 0 {
				p.tokenStatus, p.tokenBody = tt.status, tt.body
			}
			h := newRouter(t, Options{Relays: []Relay{relayFor(t, srv.URL)}})

			resp := postForm(h, "/example/token", tt.form)

			assert.Equal(t, tt.wantStatus, resp.Code, resp.Body.String())
			assert.Equal(t, tt.wantCode, errorCode(t, resp))
			assert.NotContains(t, resp.Body.String(), "client-secret")
		})
	}
}

func TestToken_UnreachableProviderReleasesClaim(t *testing.T) {
	_, srv := newProvider(t)
	rl := relayFor(t, srv.URL)
	srv.Close()

	guard, mr := newReplayGuard(t)
	h := newRouter(t, Options{Relays: []Relay{rl}, Replay: guard})

	resp := postForm(h, "/example/token", url.Values{"code": {"abc123"}})

	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
	assert.Equal(t, "UNAVAILABLE", errorCode(t, resp))
	assert.Empty(t, mr.Keys(), "the code may still be valid")
}

func TestToken_RetryAfterProviderFailure(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantCode string
	}{
		{"provider 5xx", http.StatusServiceUnavailable, "UPSTREAM_ERROR"},
		{"provider 502", http.StatusBadGateway, "UPSTREAM_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, srv := newProvider(t)
			p.setToken(tt.status, `unavailable`)
			guard, mr := newReplayGuard(t)
			h := newRouter(t, Options{Relays: []Relay{relayFor(t, srv.URL)}, Replay: guard})

			first := postForm(h, "/example/token", url.Values{"code": {"abc123"}})
			assert.Equal(t, http.StatusServiceUnavailable, first.Code)
			assert.Equal(t, tt.wantCode, errorCode(t, first))
			assert.Empty(t, mr.Keys())

			p.setToken(http.StatusOK, `{"access_token":"tok1","expires_in":3600}`)
			retry := postForm(h, "/example/token", url.Values{"code": {"abc123"}})
			assert.Equal(t, http.StatusOK, retry.Code, retry.Body.String())
			assert.Equal(t, 2, p.exchangeCount(), "the retry reaches the provider")
		})
	}
}

func TestToken_TimeoutReleasesClaim(t *testing.T) {
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	t.Cleanup(slow.Close)
	t.Cleanup(func() { close(release) })

	cfg := relayFor(t, slow.URL).Config
	c, err := oauth.NewClient(cfg,
		oauth.WithHTTPClient(&http.Client{Timeout: 50 * time.Millisecond}),
		oauth.WithLogger(quietLogger()),
	)
	require.NoError(t, err)

	guard, mr := newReplayGuard(t)
	h := newRouter(t, Options{Relays: []Relay{{Config: cfg, Provider: c}}, Replay: guard})

	resp := postForm(h, "/example/token", url.Values{"code": {"abc123"}})

	assert.Equal(t, http.StatusGatewayTimeout, resp.Code, resp.Body.String())
	assert.Equal(t, "TIMEOUT", errorCode(t, resp))
	assert.Empty(t, mr.Keys())
}

func TestToken_MintsIDToken(t *testing.T) {
	p, srv := newProvider(t)
	p.userinfoBody = `{"id":"u1","email":"a@b.com","name":"Ada"}`

	key, err := signing.GenerateKey()
	require.NoError(t, err)
	signer, err := signing.NewWithKey(key, "kid-1", time.Hour)
	require.NoError(t, err)

	h := newRouter(t, Options{
		Relays:    []Relay{relayFor(t, srv.URL)},
		Signer:    signer,
		PublicURL: "https://relay.example.com/",
	})

	resp := postForm(h, "/example/token", url.Values{"code": {"abc123"}})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	var body TokenResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.NotEmpty(t, body.IDToken)

	claims := &signing.Claims{}
	_, err = jwt.ParseWithClaims(body.IDToken, claims, func(*jwt.Token) (any, error) {
		return signer.PublicKey(), nil
	}, jwt.WithIssuer("https://relay.example.com/example"), jwt.WithAudience("client-id"))
	require.NoError(t, err)

	assert.Equal(t, "u1", claims.Subject)
	assert.Equal(t, "a@b.com", claims.Email)
	assert.Equal(t, "Ada", claims.Name)
	assert.Equal(t, "Bearer tok1", p.userAuth)
}

func TestToken_IDTokenNeedsProfile(t *testing.T) {
	p, srv := newProvider(t)
	p.userStatus, p.userinfoBody = http.StatusInternalServerError, `{}`

	key, err := signing.GenerateKey()
	require.NoError(t, err)
	signer, err := signing.NewWithKey(key, "", 0)
	require.NoError(t, err)

	h := newRouter(t, Options{Relays: []Relay{relayFor(t, srv.URL)}, Signer: signer})

	resp := postForm(h, "/example/token", url.Values{"code": {"abc123"}})
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
	assert.NotContains(t, resp.Body.String(), "tok1")
}

func TestToken_RateLimited(t *testing.T) {
	_, srv := newProvider(t)
	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{Enabled: true, RequestsPerSecond: 0.01, Burst: 1}, nil)
	t.Cleanup(limiter.Stop)

	h := newRouter(t, Options{Relays: []Relay{relayFor(t, srv.URL)}, TokenLimiter: limiter.Middleware})

	assert.Equal(t, http.StatusOK, postForm(h, "/example/token", url.Values{"code": {"a"}}).Code)
	resp := postForm(h, "/example/token", url.Values{"code": {"b"}})
	assert.Equal(t, http.StatusTooManyRequests, resp.Code)

	assert.Equal(t, http.StatusOK, get(h, "/example/registration", "").Code, "only the token route is limited")
}

func TestToken_RateLimitMetricsUseRoute(t *testing.T) {
	_, srv := newProvider(t)
	m := metrics.New(metrics.Config{ServiceName: "test"})
	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{Enabled: true, RequestsPerSecond: 0.01, Burst: 1}, m)
	t.Cleanup(limiter.Stop)

	h := NewRouter(New(Options{
		Relays:       []Relay{relayFor(t, srv.URL)},
		TokenLimiter: limiter.Middleware,
		Logger:       quietLogger(),
	}), RouterConfig{Logger: quietLogger(), Metrics: m})

	tests := []struct {
		path string
		want int
	}{
		{"/example/token", http.StatusOK},
		{"/ExAmPlE/token", http.StatusTooManyRequests},
		{"/EXAMPLE/token", http.StatusTooManyRequests},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, postForm(h, tt.path, url.Values{"code": {"c"}}).Code, tt.path)
	}

	body := get(h, "/metrics", "").Body.String()
	assert.Contains(t, body, `oauth_relay_rate_limit_hits_total{path="/{provider}/token"} 3`)
	assert.Contains(t, body, `oauth_relay_rate_limit_dropped_total{path="/{provider}/token"} 2`)
	assert.NotContains(t, body, `path="/ExAmPlE/token"`)
}

func TestUserInfo(t *testing.T) {
	p, srv := newProvider(t)
	rec := &recorder{}
	h := newRouter(t, Options{Relays: []Relay{relayFor(t, srv.URL)}, Events: rec})

	resp := get(h, "/example/user", "Bearer tok1")

	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.JSONEq(t, `{"email":"a@b.com"}`, resp.Body.String())
	assert.Equal(t, "Bearer tok1", p.userAuth)
	assert.Equal(t, []string{events.EventProfileFetched}, rec.types())
}

func TestUserInfo_IncludeSubject(t *testing.T) {
	p, srv := newProvider(t)
	p.userinfoBody = `{"id":"u1","name":"Ada"}`
	h := newRouter(t, Options{Relays: []Relay{relayFor(t, srv.URL, func(c *oauth.Config) {
		c.IncludeSubject = true
	})}})

	resp := get(h, "/example/user", "Bearer tok1")

	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"sub":"u1","name":"Ada"}`, resp.Body.String())
}

func TestUserInfo_Errors(t *testing.T) {
	tests := []struct {
		name          string
		authorization string
		status        int
		wantStatus    int
		wantCode      string
	}{
		{"missing bearer", "", 0, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"basic scheme", "Basic dXNlcjpwYXNz", 0, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"empty bearer", "Bearer ", 0, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"expired token", "Bearer old", http.StatusUnauthorized, http.StatusUnauthorized, "TOKEN_INVALID"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, srv := newProvider(t)
			if tt.status != 0 {
				p.userStatus = tt.status
			}
			h := newRouter(t, Options{Relays: []Relay{relayFor(t, srv.URL)}})

			resp := get(h, "/example/user", tt.authorization)

			assert.Equal(t, tt.wantStatus, resp.Code)
			assert.Equal(t, tt.wantCode, errorCode(t, resp))
			assert.NotEmpty(t, resp.Header().Get("WWW-Authenticate"))
		})
	}
}

func TestPrivate(t *testing.T) {
	_, srv := newProvider(t)
	const issuer = "https://idp.example.com/pool-1"

	key, err := signing.GenerateKey()
	require.NoError(t, err)
	authorizer := session.NewAuthorizer(session.Config{Issuer: issuer}, func(context.Context, string) (any, error) {
		return &key.PublicKey, nil
	}, quietLogger())

	sign := func(claims session.Claims) string {
		token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		token.Header["kid"] = "kid-1"
		raw, err := token.SignedString(key)
		require.NoError(t, err)
		return raw
	}

	h := newRouter(t, Options{Relays: []Relay{relayFor(t, srv.URL)}, Sessions: authorizer})

	t.Run("valid session", func(t *testing.T) {
		raw := sign(session.Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "user-sub",
				Issuer:    issuer,
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
			TokenUse: session.TokenUseAccess,
			Username: "octocat",
		})

		resp := get(h, "/example/private", "Bearer "+raw)

		require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
		assert.JSONEq(t, `{"message":"authenticated","provider":"example","subject":"user-sub","username":"octocat"}`, resp.Body.String())
	})

	t.Run("no session", func(t *testing.T) {
		resp := get(h, "/example/private", "")
		assert.Equal(t, http.StatusUnauthorized, resp.Code)
		assert.NotContains(t, resp.Body.String(), "authenticated")
	})

	t.Run("provider token is not a session", func(t *testing.T) {
		resp := get(h, "/example/private", "Bearer tok1")
		assert.Equal(t, http.StatusUnauthorized, resp.Code)
	})
}

func TestPrivate_NoAuthorizer(t *testing.T) {
	_, srv := newProvider(t)
	h := newRouter(t, Options{Relays: []Relay{relayFor(t, srv.URL)}})

	resp := get(h, "/example/private", "Bearer anything")
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestUnknownProvider(t *testing.T) {
	_, srv := newProvider(t)
	h := newRouter(t, Options{Relays: []Relay{relayFor(t, srv.URL)}})

	for _, path := range []string{"/gitlab/user", "/gitlab/registration"} {
		resp := get(h, path, "Bearer tok1")
		assert.Equal(t, http.StatusNotFound, resp.Code, path)
		assert.Equal(t, "NOT_FOUND", errorCode(t, resp))
	}
	assert.Equal(t, http.StatusNotFound, postForm(h, "/gitlab/token", url.Values{"code": {"a"}}).Code)
}

func TestRegistration(t *testing.T) {
	_, srv := newProvider(t)
	h := newRouter(t, Options{Relays: []Relay{relayFor(t, srv.URL)}, TrustForwarded: true})

	req := httptest.NewRequest(http.MethodGet, "/EXAMPLE/registration", nil)
	req.Host = "internal:8080"
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Header.Set("X-Forwarded-Host", "relay.example.com")
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)

	require.Equal(t, http.StatusOK, resp.Code)

	var doc struct {
		ProviderName string            `json:"providerName"`
		IssuerURL    string            `json:"issuerUrl"`
		Endpoints    map[string]string `json:"endpoints"`
		Mapping      map[string]string `json:"attributeMapping"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &doc))

	assert.Equal(t, "https://example.com", doc.IssuerURL)
	assert.Equal(t, "https://relay.example.com/example/token", doc.Endpoints["token"])
	assert.Equal(t, "https://relay.example.com/example/user", doc.Endpoints["userInfo"])
	assert.Equal(t, "https://example.com/authorize", doc.Endpoints["authorization"])
	assert.Equal(t, map[string]string{"email": "email", "preferredUsername": "name"}, doc.Mapping)
	assert.NotContains(t, resp.Body.String(), "client-secret")
}

func TestDiscoveryAndJWKS(t *testing.T) {
	_, srv := newProvider(t)

	t.Run("signing disabled", func(t *testing.T) {
		h := newRouter(t, Options{Relays: []Relay{relayFor(t, srv.URL)}})

		resp := get(h, "/example/jwks", "")
		require.Equal(t, http.StatusOK, resp.Code)
		assert.JSONEq(t, `{"keys":[]}`, resp.Body.String())

		resp = get(h, "/example/.well-known/openid-configuration", "")
		require.Equal(t, http.StatusOK, resp.Code)
		assert.Contains(t, resp.Body.String(), `"token_endpoint":"http://example.com/example/token"`)
	})

	t.Run("signing enabled", func(t *testing.T) {
		key, err := signing.GenerateKey()
		require.NoError(t, err)
		signer, err := signing.NewWithKey(key, "kid-1", time.Hour)
		require.NoError(t, err)

		h := newRouter(t, Options{Relays: []Relay{relayFor(t, srv.URL)}, Signer: signer, PublicURL: "https://relay.example.com"})

		resp := get(h, "/example/jwks", "")
		require.Equal(t, http.StatusOK, resp.Code)
		assert.Contains(t, resp.Body.String(), `"kid":"kid-1"`)

		resp = get(h, "/example/.well-known/openid-configuration", "")
		assert.Contains(t, resp.Body.String(), `"issuer":"https://relay.example.com/example"`)
	})
}

func TestRouter_CORSPreflight(t *testing.T) {
	_, srv := newProvider(t)
	h := newRouter(t, Options{Relays: []Relay{relayFor(t, srv.URL)}})

	for _, method := range []string{
		http.MethodPost, http.MethodGet, http.MethodPut, http.MethodDelete, http.MethodPatch, http.MethodHead,
	} {
		t.Run(method, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodOptions, "/example/user", nil)
			req.Header.Set("Origin", "https://app.example.com")
			req.Header.Set("Access-Control-Request-Method", method)
			req.Header.Set("Access-Control-Request-Headers", "authorization")
			resp := httptest.NewRecorder()
			h.ServeHTTP(resp, req)

			assert.Equal(t, http.StatusNoContent, resp.Code)
			assert.Equal(t, "*", resp.Header().Get("Access-Control-Allow-Origin"))
			assert.Contains(t, resp.Header().Get("Access-Control-Allow-Methods"), method)
			assert.Equal(t, "authorization", resp.Header().Get("Access-Control-Allow-Headers"))
		})
	}
}

func TestRouter_Operational(t *testing.T) {
	_, srv := newProvider(t)
	m := metrics.New(metrics.Config{ServiceName: "test"})
	h := NewRouter(New(Options{Relays: []Relay{relayFor(t, srv.URL)}, Logger: quietLogger()}), RouterConfig{
		Logger:  quietLogger(),
		Metrics: m,
		Health:  health.NewChecker(health.WithVersion("test")),
	})

	assert.Equal(t, http.StatusOK, get(h, "/health", "").Code)
	assert.Equal(t, http.StatusOK, get(h, "/health/live", "").Code)
	assert.Equal(t, http.StatusOK, get(h, "/health/ready", "").Code)

	get(h, "/example/registration", "")
	resp := get(h, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `path="/{provider}/registration"`)

	assert.Equal(t, http.StatusNotFound, get(h, "/", "").Code)
}
