// Package session verifies identity-pool session tokens in front of
// protected relay routes.
package session

import (
	"context"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nguyenvantinh06/oauth-relay/services/shared/errors"
	"github.com/nguyenvantinh06/oauth-relay/services/shared/logger"
	"github.com/nguyenvantinh06/oauth-relay/services/shared/middleware"
)

// Token uses accepted on protected routes.
const (
	TokenUseID     = "id"
	TokenUseAccess = "access"
)

// Config holds session verification configuration.
type Config struct {
	// Issuer is the identity pool issuer URL.
	Issuer string `mapstructure:"issuer"`
	// JWKSURL defaults to {issuer}/.well-known/jwks.json.
	JWKSURL string `mapstructure:"jwks_url"`
	// ClientIDs restricts sessions to these app clients. Empty accepts any.
	ClientIDs       []string      `mapstructure:"client_ids"`
	RefreshSchedule string        `mapstructure:"refresh_schedule"`
	RefetchInterval time.Duration `mapstructure:"refetch_interval"`
	Leeway          time.Duration `mapstructure:"leeway"`
}

// Enabled reports whether protected routes can be served.
func (c Config) Enabled() bool {
	return c.Issuer != ""
}

// KeysURL returns the JWKS location.
func (c Config) KeysURL() string {
	if c.JWKSURL != "" {
		return c.JWKSURL
	}
	return strings.TrimSuffix(c.Issuer, "/") + "/.well-known/jwks.json"
}

// Claims are the identity-pool token claims the relay reads.
type Claims struct {
	jwt.RegisteredClaims
	TokenUse string `json:"token_use"`
	ClientID string `json:"client_id"`
	Username string `json:"username"`
	// PoolUsername is how id tokens carry the username.
	PoolUsername string `json:"cognito:username"`
}

// Session is a verified identity-pool session.
type Session struct {
	Subject  string
	Username string
	TokenUse string
	ClientID string
}

type sessionKey struct{}

// FromContext returns the session stored by the authorizer middleware.
func FromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*Session)
	return s, ok
}

// KeyFunc resolves a verification key by key id.
type KeyFunc func(ctx context.Context, kid string) (any, error)

// Authorizer verifies session tokens.
type Authorizer struct {
	cfg    Config
	keys   KeyFunc
	parser *jwt.Parser
	log    *logger.Logger
}

// NewAuthorizer creates an Authorizer. keys is usually (*KeySet).Key.
func NewAuthorizer(cfg Config, keys KeyFunc, log *logger.Logger) *Authorizer {
	if log == nil {
		log = logger.Default()
	}
	return &Authorizer{
		cfg:  cfg,
		keys: keys,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithIssuer(cfg.Issuer),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(cfg.Leeway),
		),
		log: log.WithComponent("session"),
	}
}

// Verify checks signature, issuer, expiry, token use and client of raw.
func (a *Authorizer) Verify(ctx context.Context, raw string) (*Session, error) {
	claims := &Claims{}
	_, err := a.parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.SessionInvalid("session token has no key id")
		}
		return a.keys(ctx, kid)
	})
	if err != nil {
		return nil, classify(err)
	}

	var clientID string
	switch claims.TokenUse {
	case TokenUseID:
		if len(claims.Audience) > 0 {
			clientID = claims.Audience[0]
		}
		if len(a.cfg.ClientIDs) > 0 && !slices.ContainsFunc(claims.Audience, a.allowedClient) {
			return nil, errors.Forbidden("session issued to another client")
		}
	case TokenUseAccess:
		clientID = claims.ClientID
		if len(a.cfg.ClientIDs) > 0 && !a.allowedClient(clientID) {
			return nil, errors.Forbidden("session issued to another client")
		}
	default:
		return nil, errors.SessionInvalid("unsupported token use")
	}

	username := claims.Username
	if username == "" {
		username = claims.PoolUsername
	}

	return &Session{
		Subject:  claims.Subject,
		Username: username,
		TokenUse: claims.TokenUse,
		ClientID: clientID,
	}, nil
}

func (a *Authorizer) allowedClient(id string) bool {
	return slices.Contains(a.cfg.ClientIDs, id)
}

func classify(err error) error {
	var appErr *errors.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	if errors.Is(err, jwt.ErrTokenExpired) {
		return errors.TokenExpired("session has expired")
	}
	return errors.SessionInvalid("invalid session token").Wrap(err)
}

// Middleware rejects requests without a valid session before next runs.
func (a *Authorizer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearer(r.Header.Get("Authorization"))
		if raw == "" {
			middleware.WriteError(w, r, errors.Unauthorized("session token is required"))
			return
		}

		s, err := a.Verify(r.Context(), raw)
		if err != nil {
			a.log.WithContext(r.Context()).Info("session rejected", "error_code", string(errors.GetCode(err)))
			middleware.WriteError(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), sessionKey{}, s)
		ctx = context.WithValue(ctx, logger.UserIDKey, s.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearer accepts both "Bearer <token>" and a bare token, the two forms API
// gateway authorizers pass through.
func bearer(header string) string {
	header = strings.TrimSpace(header)
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return header
}
