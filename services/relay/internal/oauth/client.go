package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/nguyenvantinh06/oauth-relay/services/shared/errors"
	"github.com/nguyenvantinh06/oauth-relay/services/shared/logger"
)

const maxUserInfoBytes = 1 << 20

// Client talks to one upstream provider. It never retries: codes are
// single-use, so a retried exchange would be rejected anyway.
type Client struct {
	cfg     Config
	oauth   *oauth2.Config
	http    *http.Client
	profile profileFetcher
	log     *logger.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for every upstream call.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(cl *Client) {
		cl.log = log
	}
}

// NewClient creates a Client for a validated provider config.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: 10 * time.Second},
		log:  logger.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithProvider(cfg.Name).WithComponent("oauth")

	// AutoDetect would retry a rejected exchange with the other style and
	// present the code twice.
	style := oauth2.AuthStyleInHeader
	if cfg.AuthStyle == AuthStyleParams {
		style = oauth2.AuthStyleInParams
	}

	c.oauth = &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   cfg.AuthorizeURL,
			TokenURL:  cfg.TokenURL,
			AuthStyle: style,
		},
	}

	switch cfg.Kind {
	case KindGitHub:
		c.profile = &githubProfile{userURL: cfg.UserInfoURL, emailsURL: cfg.EmailsURL, log: c.log}
	case KindTwitter:
		c.profile = &twitterProfile{userURL: cfg.UserInfoURL}
	default:
		c.profile = &oidcProfile{userURL: cfg.UserInfoURL, fields: cfg.FieldMapping}
	}

	return c, nil
}

// Name returns the provider name.
func (c *Client) Name() string {
	return c.cfg.Name
}

func (c *Client) withHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.http)
}

// Exchange presents the authorization code to the provider token endpoint
// exactly once.
func (c *Client) Exchange(ctx context.Context, req ExchangeRequest) (*Token, error) {
	if req.Code == "" {
		return nil, errors.InvalidInput("code is required")
	}

	var opts []oauth2.AuthCodeOption
	if req.RedirectURI != "" {
		opts = append(opts, oauth2.SetAuthURLParam("redirect_uri", req.RedirectURI))
	}
	verifier := req.CodeVerifier
	if verifier == "" {
		verifier = c.cfg.CodeVerifier
	}
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}

	tok, err := c.oauth.Exchange(c.withHTTPClient(ctx), req.Code, opts...)
	if err != nil {
		appErr := classifyExchangeError(err)
		if appErr.Code == errors.CodeMalformedUpstream {
			c.log.Error("malformed token response", "error", err.Error())
		}
		return nil, appErr
	}

	return tokenFrom(tok), nil
}

// tokenFrom reshapes an oauth2 token into the relay token.
func tokenFrom(tok *oauth2.Token) *Token {
	t := &Token{
		AccessToken: tok.AccessToken,
		TokenType:   strings.ToLower(tok.TokenType),
		ExpiresIn:   expiresIn(tok),
	}
	if t.TokenType == "" {
		t.TokenType = "bearer"
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		t.Scopes = strings.Fields(scope)
	}
	return t
}

func expiresIn(tok *oauth2.Token) int64 {
	switch v := tok.Extra("expires_in").(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	}
	if !tok.Expiry.IsZero() {
		if secs := int64(time.Until(tok.Expiry).Round(time.Second).Seconds()); secs > 0 {
			return secs
		}
	}
	return 0
}

// classifyExchangeError maps an oauth2 exchange failure onto the relay error
// taxonomy.
func classifyExchangeError(err error) *errors.Error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		switch {
		case status >= 500:
			return errors.UpstreamError("provider token endpoint failed").
				WithDetails(map[string]any{"status": status}).Wrap(err)
		case status >= 400 || re.ErrorCode != "":
			return rejected(re).Wrap(err)
		default:
			return errors.Wrap(errors.CodeMalformedUpstream, "malformed token response", err)
		}
	}
	return classifyTransportError(err, "malformed token response")
}

func rejected(re *oauth2.RetrieveError) *errors.Error {
	e := errors.UpstreamRejected("authorization code rejected")
	if re.ErrorCode != "" {
		e = e.WithDetails(map[string]any{"upstream_error": re.ErrorCode})
	}
	return e
}

// classifyTransportError handles failures that happened before a usable
// response arrived. Anything else means the provider answered with something
// we could not read.
func classifyTransportError(err error, malformed string) *errors.Error {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout(), errors.Is(err, context.DeadlineExceeded):
		return errors.Wrap(errors.CodeTimeout, "provider timed out", err)
	case errors.Is(err, context.Canceled):
		return errors.Wrap(errors.CodeCanceled, "request canceled", err)
	case errors.As(err, &netErr):
		return errors.Wrap(errors.CodeUnavailable, "provider unreachable", err)
	}
	return errors.Wrap(errors.CodeMalformedUpstream, malformed, err)
}

// FetchProfile calls the provider user-info endpoint with the access token.
func (c *Client) FetchProfile(ctx context.Context, accessToken string) (*UserProfile, error) {
	if accessToken == "" {
		return nil, errors.Unauthorized("access token is required")
	}

	httpClient := &http.Client{
		Transport: &oauth2.Transport{
			Base:   c.http.Transport,
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}),
		},
		Timeout: c.http.Timeout,
	}

	profile, err := c.profile.fetch(ctx, httpClient)
	if err != nil {
		appErr := errors.From(err)
		if appErr.Code == errors.CodeMalformedUpstream {
			c.log.Error("malformed user-info response", "error", err.Error())
		}
		return nil, appErr
	}
	return profile, nil
}

// getJSON performs an authenticated GET and decodes the JSON body into dst.
func getJSON(ctx context.Context, client *http.Client, rawURL string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return errors.InternalWrap("building user-info request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return classifyTransportError(err, "malformed user-info response")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return errors.TokenInvalid("access token rejected by provider")
	case resp.StatusCode >= 500:
		return errors.UpstreamError("provider user-info endpoint failed").
			WithDetails(map[string]any{"status": resp.StatusCode})
	case resp.StatusCode >= 400:
		return errors.UpstreamRejected("user-info request rejected").
			WithDetails(map[string]any{"status": resp.StatusCode})
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxUserInfoBytes)).Decode(dst); err != nil {
		return errors.Wrap(errors.CodeMalformedUpstream, "malformed user-info response", fmt.Errorf("decoding %s: %w", req.URL.Path, err))
	}
	return nil
}
