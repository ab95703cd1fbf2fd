package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/nguyenvantinh06/oauth-relay/services/shared/errors"
	"github.com/nguyenvantinh06/oauth-relay/services/shared/logger"
)

// profileFetcher reads one provider's user-info format. The client passed in
// already carries the bearer token.
type profileFetcher interface {
	fetch(ctx context.Context, client *http.Client) (*UserProfile, error)
}

type githubUser struct {
	ID    any    `json:"id"`
	Login string `json:"login"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

type githubProfile struct {
	userURL   string
	emailsURL string
	log       *logger.Logger
}

func (g *githubProfile) fetch(ctx context.Context, client *http.Client) (*UserProfile, error) {
	var user githubUser
	if err := getJSON(ctx, client, g.userURL, &user); err != nil {
		return nil, err
	}
	id := claimString(user.ID)
	if id == "" {
		return nil, errors.MalformedUpstream("user-info response has no id")
	}

	profile := &UserProfile{
		ProviderUserID: id,
		Email:          user.Email,
		DisplayName:    user.Name,
	}

	// A private profile email is only visible through /user/emails. Losing it
	// is not worth failing the login over.
	if profile.Email == "" && g.emailsURL != "" {
		email, err := g.primaryEmail(ctx, client)
		if err != nil {
			g.log.WarnContext(ctx, "primary email lookup failed", "error_code", string(errors.GetCode(err)))
		}
		profile.Email = email
	}

	return profile, nil
}

func (g *githubProfile) primaryEmail(ctx context.Context, client *http.Client) (string, error) {
	var emails []githubEmail
	if err := getJSON(ctx, client, g.emailsURL, &emails); err != nil {
		return "", err
	}
	for _, e := range emails {
		if e.Primary && e.Verified {
			return e.Email, nil
		}
	}
	return "", nil
}

type twitterUser struct {
	Data *struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Username string `json:"username"`
		Email    string `json:"email"`
	} `json:"data"`
	Errors []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

type twitterProfile struct {
	userURL string
}

func (t *twitterProfile) fetch(ctx context.Context, client *http.Client) (*UserProfile, error) {
	var user twitterUser
	if err := getJSON(ctx, client, t.userURL, &user); err != nil {
		return nil, err
	}
	if user.Data == nil || user.Data.ID == "" {
		if len(user.Errors) > 0 {
			return nil, errors.MalformedUpstream("user-info response carries errors").
				WithDetails(map[string]any{"upstream_error": user.Errors[0].Title})
		}
		return nil, errors.MalformedUpstream("user-info response has no data.id")
	}

	return &UserProfile{
		ProviderUserID: user.Data.ID,
		Email:          user.Data.Email,
		DisplayName:    user.Data.Name,
	}, nil
}

type oidcProfile struct {
	userURL string
	fields  FieldMapping
}

func (o *oidcProfile) fetch(ctx context.Context, client *http.Client) (*UserProfile, error) {
	var claims map[string]any
	if err := getJSON(ctx, client, o.userURL, &claims); err != nil {
		return nil, err
	}

	subject := firstClaim(claims, o.fields.Subject)
	if subject == "" {
		return nil, errors.MalformedUpstream("user-info response has no subject").
			WithDetails(map[string]any{"fields": strings.Join(o.fields.Subject, ",")})
	}

	return &UserProfile{
		ProviderUserID: subject,
		Email:          firstClaim(claims, o.fields.Email),
		DisplayName:    firstClaim(claims, o.fields.Name),
	}, nil
}

// firstClaim returns the first non-empty claim among names.
func firstClaim(claims map[string]any, names []string) string {
	for _, name := range names {
		if v := claimString(claims[name]); v != "" {
			return v
		}
	}
	return ""
}

// claimString renders a scalar claim, keeping numeric ids out of exponent
// notation. Objects and arrays are not claims.
func claimString(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	}
	return ""
}
