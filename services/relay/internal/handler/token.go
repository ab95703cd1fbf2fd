package handler

import (
	"context"
	"encoding/json"
	"mime"
	"net/http"
	"strings"

	"github.com/nguyenvantinh06/oauth-relay/services/relay/internal/oauth"
	"github.com/nguyenvantinh06/oauth-relay/services/relay/internal/signing"
	"github.com/nguyenvantinh06/oauth-relay/services/shared/errors"
	"github.com/nguyenvantinh06/oauth-relay/services/shared/events"
	"github.com/nguyenvantinh06/oauth-relay/services/shared/middleware"
)

const maxTokenRequestBytes = 64 << 10

// TokenResponse is the OIDC token response the identity pool deserializes by
// field name. Renaming a field breaks login.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in,omitempty"`
	Scope       string `json:"scope,omitempty"`
	IDToken     string `json:"id_token,omitempty"`
}

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code"`
	RedirectURI  string `json:"redirect_uri"`
	CodeVerifier string `json:"code_verifier"`
	ClientID     string `json:"client_id"`
}

// Token exchanges an authorization code with the provider.
func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	rl := relayFrom(r.Context())
	name := rl.cfg.Name

	req, err := parseTokenRequest(w, r)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	if req.ClientID != "" && req.ClientID != rl.cfg.ClientID {
		middleware.WriteError(w, r, errors.InvalidCredentials("client_id is not the relay client"))
		return
	}

	// Codes are single use, so once sent upstream the exchange finishes even
	// if the caller goes away.
	ctx := context.WithoutCancel(r.Context())
	log := h.log.WithContext(ctx).WithProvider(name)

	if err := h.replay.Claim(ctx, name, req.Code); err != nil {
		log.Info("authorization code replayed")
		h.rejected(ctx, name, err)
		middleware.WriteError(w, r, err)
		return
	}

	tok, err := rl.provider.Exchange(ctx, oauth.ExchangeRequest{
		Code:         req.Code,
		RedirectURI:  req.RedirectURI,
		CodeVerifier: req.CodeVerifier,
	})
	if err != nil {
		if codeUnspent(err) {
			h.replay.Release(ctx, name, req.Code)
		}
		log.Info("token exchange failed", "error_code", string(errors.GetCode(err)))
		h.rejected(ctx, name, err)
		middleware.WriteError(w, r, err)
		return
	}

	resp := TokenResponse{
		AccessToken: tok.AccessToken,
		TokenType:   tok.TokenType,
		ExpiresIn:   tok.ExpiresIn,
		Scope:       strings.Join(tok.Scopes, " "),
	}

	if h.signer != nil {
		idToken, err := h.mintIDToken(ctx, r, rl, tok.AccessToken)
		if err != nil {
			log.Info("id token not minted", "error_code", string(errors.GetCode(err)))
			h.rejected(ctx, name, err)
			middleware.WriteError(w, r, err)
			return
		}
		resp.IDToken = idToken
	}

	h.publish(ctx, events.EventTokenExchanged, name, map[string]any{
		"expires_in": tok.ExpiresIn,
		"id_token":   resp.IDToken != "",
	})
	middleware.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) mintIDToken(ctx context.Context, r *http.Request, rl *relay, accessToken string) (string, error) {
	profile, err := rl.provider.FetchProfile(ctx, accessToken)
	if err != nil {
		return "", err
	}
	if profile.ProviderUserID == "" {
		return "", errors.MalformedUpstream("provider profile has no user id")
	}

	issuer := rl.describer.Issuer(h.baseURL(r, rl.cfg.Name))
	signed, err := h.signer.SignIDToken(issuer, rl.cfg.ClientID, signing.Identity{
		Subject: profile.ProviderUserID,
		Email:   profile.Email,
		Name:    profile.DisplayName,
	})
	if err != nil {
		return "", errors.InternalWrap("signing id token", err)
	}
	return signed, nil
}

func (h *Handler) rejected(ctx context.Context, provider string, err error) {
	h.publish(ctx, events.EventTokenRejected, provider, map[string]any{
		"error_code": string(errors.GetCode(err)),
	})
}

// codeUnspent reports failures after which the provider has not given a
// verdict on the code, so a retry must reach the provider again. A provider
// that consumed the code before failing still rejects the retry itself.
func codeUnspent(err error) bool {
	switch errors.GetCode(err) {
	case errors.CodeUnavailable, errors.CodeCircuitOpen, errors.CodeUpstreamError, errors.CodeTimeout:
		return true
	}
	return false
}

func parseTokenRequest(w http.ResponseWriter, r *http.Request) (*tokenRequest, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxTokenRequestBytes)

	req := &tokenRequest{}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(req); err != nil {
			return nil, errors.InvalidInput("malformed JSON body")
		}
	} else {
		if err := r.ParseForm(); err != nil {
			return nil, errors.InvalidInput("malformed form body")
		}
		req.GrantType = r.Form.Get("grant_type")
		req.Code = r.Form.Get("code")
		req.RedirectURI = r.Form.Get("redirect_uri")
		req.CodeVerifier = r.Form.Get("code_verifier")
		req.ClientID = r.Form.Get("client_id")
	}

	if req.GrantType != "" && req.GrantType != "authorization_code" {
		return nil, errors.InvalidInput("unsupported grant_type").
			WithDetails(map[string]any{"grant_type": req.GrantType})
	}
	if req.Code == "" {
		return nil, errors.InvalidInput("code is required")
	}
	return req, nil
}
