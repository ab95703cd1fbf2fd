// Package oauth exchanges authorization codes with upstream OAuth2 providers
// and reshapes their user-info responses into relay profiles.
package oauth

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
)

// Kind selects the provider-specific user-info format.
type Kind string

const (
	KindGitHub  Kind = "github"
	KindTwitter Kind = "twitter"
	KindOIDC    Kind = "oidc"
)

// Auth styles for presenting client credentials to the token endpoint.
const (
	AuthStyleHeader = "header"
	AuthStyleParams = "params"
)

// FieldMapping names the user-info fields of a generic OIDC provider. Each
// entry lists candidate field names tried in order.
type FieldMapping struct {
	Subject []string `mapstructure:"subject"`
	Email   []string `mapstructure:"email"`
	Name    []string `mapstructure:"name"`
}

// Config describes one upstream provider. It is immutable once the relay
// starts.
type Config struct {
	Name         string   `mapstructure:"name"`
	DisplayName  string   `mapstructure:"display_name"`
	Kind         Kind     `mapstructure:"kind"`
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	IssuerURL    string   `mapstructure:"issuer_url"`
	AuthorizeURL string   `mapstructure:"authorize_url"`
	TokenURL     string   `mapstructure:"token_url"`
	UserInfoURL  string   `mapstructure:"userinfo_url"`
	EmailsURL    string   `mapstructure:"emails_url"`
	Scopes       []string `mapstructure:"scopes"`
	RedirectURL  string   `mapstructure:"redirect_url"`
	AuthStyle    string   `mapstructure:"auth_style"`
	// CodeVerifier is the PKCE verifier sent when the caller supplies none.
	// Its S256 challenge is added to the published authorization endpoint.
	CodeVerifier string `mapstructure:"code_verifier"`
	// IncludeSubject adds the provider user id as "sub" in user-info output.
	IncludeSubject bool         `mapstructure:"include_subject"`
	FieldMapping   FieldMapping `mapstructure:"field_mapping"`
}

// String never includes credentials.
func (c Config) String() string {
	return fmt.Sprintf("oauth.Config{Name:%s Kind:%s TokenURL:%s}", c.Name, c.Kind, c.TokenURL)
}

// WithDefaults fills endpoints, scopes and field names the provider kind
// implies. Explicit values are kept.
func (c Config) WithDefaults() Config {
	if c.Kind == "" {
		c.Kind = Kind(c.Name)
	}

	switch c.Kind {
	case KindGitHub:
		c.DisplayName = orDefault(c.DisplayName, "GitHub")
		c.IssuerURL = orDefault(c.IssuerURL, "https://github.com")
		c.AuthorizeURL = orDefault(c.AuthorizeURL, "https://github.com/login/oauth/authorize")
		c.TokenURL = orDefault(c.TokenURL, "https://github.com/login/oauth/access_token")
		c.UserInfoURL = orDefault(c.UserInfoURL, "https://api.github.com/user")
		c.EmailsURL = orDefault(c.EmailsURL, "https://api.github.com/user/emails")
		if len(c.Scopes) == 0 {
			c.Scopes = []string{"openid", "read:user", "user:email"}
		}
	case KindTwitter:
		c.DisplayName = orDefault(c.DisplayName, "Twitter")
		c.IssuerURL = orDefault(c.IssuerURL, "https://twitter.com")
		c.AuthorizeURL = orDefault(c.AuthorizeURL, "https://twitter.com/i/oauth2/authorize")
		c.TokenURL = orDefault(c.TokenURL, "https://api.twitter.com/2/oauth2/token")
		c.UserInfoURL = orDefault(c.UserInfoURL, "https://api.twitter.com/2/users/me")
		if len(c.Scopes) == 0 {
			c.Scopes = []string{"openid", "user", "tweet.read", "users.read"}
		}
	case KindOIDC:
		if len(c.Scopes) == 0 {
			c.Scopes = []string{"openid", "email", "profile"}
		}
	}

	if len(c.FieldMapping.Subject) == 0 {
		c.FieldMapping.Subject = []string{"sub", "id"}
	}
	if len(c.FieldMapping.Email) == 0 {
		c.FieldMapping.Email = []string{"email"}
	}
	if len(c.FieldMapping.Name) == 0 {
		c.FieldMapping.Name = []string{"name"}
	}
	if c.AuthStyle == "" {
		c.AuthStyle = AuthStyleHeader
	}
	c.DisplayName = orDefault(c.DisplayName, c.Name)
	return c
}

// AuthorizationEndpoint returns the authorize URL the identity pool should
// redirect users to. With a configured verifier it carries the matching
// S256 challenge.
func (c Config) AuthorizationEndpoint() string {
	if c.CodeVerifier == "" {
		return c.AuthorizeURL
	}
	u, err := url.Parse(c.AuthorizeURL)
	if err != nil {
		return c.AuthorizeURL
	}
	q := u.Query()
	q.Set("code_challenge", oauth2.S256ChallengeFromVerifier(c.CodeVerifier))
	q.Set("code_challenge_method", "S256")
	u.RawQuery = q.Encode()
	return u.String()
}

// Validate checks the configuration is usable. Credentials are checked here
// too so a relay never starts half-configured.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("provider name is required")
	}
	if strings.ContainsAny(c.Name, "/ ") {
		return fmt.Errorf("provider name %q must be a single path segment", c.Name)
	}
	switch c.Kind {
	case KindGitHub, KindTwitter, KindOIDC:
	default:
		return fmt.Errorf("provider %s: unknown kind %q", c.Name, c.Kind)
	}
	switch c.AuthStyle {
	case AuthStyleHeader, AuthStyleParams:
	default:
		return fmt.Errorf("provider %s: auth_style must be %q or %q", c.Name, AuthStyleHeader, AuthStyleParams)
	}
	if c.ClientID == "" || c.ClientSecret == "" {
		return fmt.Errorf("provider %s: client credentials are required", c.Name)
	}
	if n := len(c.CodeVerifier); n != 0 && (n < 43 || n > 128) {
		return fmt.Errorf("provider %s: code_verifier must be 43 to 128 characters", c.Name)
	}

	for field, raw := range map[string]string{
		"token_url":    c.TokenURL,
		"userinfo_url": c.UserInfoURL,
	} {
		if err := validateURL(raw); err != nil {
			return fmt.Errorf("provider %s: %s: %w", c.Name, field, err)
		}
	}
	if c.RedirectURL != "" {
		if err := validateURL(c.RedirectURL); err != nil {
			return fmt.Errorf("provider %s: redirect_url: %w", c.Name, err)
		}
	}
	return nil
}

func validateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("must be an absolute http(s) URL")
	}
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// ExchangeRequest carries what the client presented to the token endpoint.
type ExchangeRequest struct {
	Code         string
	RedirectURI  string
	CodeVerifier string
}

// Token is the result of a successful code exchange.
type Token struct {
	AccessToken string
	TokenType   string
	// ExpiresIn is the lifetime in seconds, zero when upstream gave none.
	ExpiresIn int64
	Scopes    []string
}

// UserProfile is a provider user reshaped into relay claims. Empty fields
// were not supplied upstream.
type UserProfile struct {
	ProviderUserID string
	Email          string
	DisplayName    string
}

// Provider is an upstream OAuth2 provider as the relay sees it.
type Provider interface {
	Name() string
	Exchange(ctx context.Context, req ExchangeRequest) (*Token, error)
	FetchProfile(ctx context.Context, accessToken string) (*UserProfile, error)
}
