// Package idp describes a relayed provider the way the identity pool must
// register it.
package idp

import (
	"strings"

	"github.com/nguyenvantinh06/oauth-relay/services/relay/internal/oauth"
	"github.com/nguyenvantinh06/oauth-relay/services/relay/internal/signing"
)

// Relay paths under each provider prefix.
const (
	PathToken     = "/token"
	PathUserInfo  = "/user"
	PathPrivate   = "/private"
	PathJWKS      = "/jwks"
	PathDiscovery = "/.well-known/openid-configuration"
)

// AttributeMapping maps pool attributes onto the user-info fields the relay
// emits.
var AttributeMapping = map[string]string{
	"email":             "email",
	"preferredUsername": "name",
}

// Endpoints are the URLs the pool calls.
type Endpoints struct {
	Authorization string `json:"authorization"`
	Token         string `json:"token"`
	UserInfo      string `json:"userInfo"`
	JWKSURI       string `json:"jwksUri"`
}

// Registration is the OIDC identity provider definition for the pool.
// Client credentials are configured separately and never appear here.
type Registration struct {
	ProviderName           string            `json:"providerName"`
	IssuerURL              string            `json:"issuerUrl"`
	AttributeRequestMethod string            `json:"attributeRequestMethod"`
	Endpoints              Endpoints         `json:"endpoints"`
	AttributeMapping       map[string]string `json:"attributeMapping"`
	Scopes                 []string          `json:"scopes"`
}

// Discovery is an OpenID Connect discovery document for one relayed
// provider.
type Discovery struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserInfoEndpoint                  string   `json:"userinfo_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	ClaimsSupported                   []string `json:"claims_supported"`
}

// Describer builds documents for one provider.
type Describer struct {
	cfg     oauth.Config
	signing bool
}

// NewDescriber creates a Describer. signingEnabled selects whether the relay
// or the upstream provider is the token issuer.
func NewDescriber(cfg oauth.Config, signingEnabled bool) *Describer {
	return &Describer{cfg: cfg, signing: signingEnabled}
}

// ProviderBase returns the relay URL prefix for the provider.
func ProviderBase(publicURL, provider string) string {
	return strings.TrimSuffix(publicURL, "/") + "/" + provider
}

// Issuer returns the issuer the pool should expect. When the relay signs ID
// tokens it is the issuer itself.
func (d *Describer) Issuer(base string) string {
	if d.signing || d.cfg.IssuerURL == "" {
		return base
	}
	return d.cfg.IssuerURL
}

// Registration builds the registration document. base is the provider's
// relay prefix, see ProviderBase.
func (d *Describer) Registration(base string) Registration {
	return Registration{
		ProviderName:           d.cfg.DisplayName,
		IssuerURL:              d.Issuer(base),
		AttributeRequestMethod: "GET",
		Endpoints: Endpoints{
			Authorization: d.cfg.AuthorizationEndpoint(),
			Token:         base + PathToken,
			UserInfo:      base + PathUserInfo,
			JWKSURI:       base + PathJWKS,
		},
		AttributeMapping: AttributeMapping,
		Scopes:           d.cfg.Scopes,
	}
}

// Discovery builds the OIDC discovery document.
func (d *Describer) Discovery(base string) Discovery {
	claims := []string{"email", "name"}
	if d.cfg.IncludeSubject || d.signing {
		claims = append([]string{"sub"}, claims...)
	}

	return Discovery{
		Issuer:                            d.Issuer(base),
		AuthorizationEndpoint:             d.cfg.AuthorizationEndpoint(),
		TokenEndpoint:                     base + PathToken,
		UserInfoEndpoint:                  base + PathUserInfo,
		JWKSURI:                           base + PathJWKS,
		ResponseTypesSupported:            []string{"code"},
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{signing.Algorithm},
		ScopesSupported:                   d.cfg.Scopes,
		GrantTypesSupported:               []string{"authorization_code"},
		TokenEndpointAuthMethodsSupported: []string{"none"},
		CodeChallengeMethodsSupported:     []string{"S256", "plain"},
		ClaimsSupported:                   claims,
	}
}
