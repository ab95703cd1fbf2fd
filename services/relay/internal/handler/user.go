package handler

import (
	"net/http"
	"strings"

	"github.com/nguyenvantinh06/oauth-relay/services/relay/internal/session"
	"github.com/nguyenvantinh06/oauth-relay/services/shared/errors"
	"github.com/nguyenvantinh06/oauth-relay/services/shared/events"
	"github.com/nguyenvantinh06/oauth-relay/services/shared/middleware"
)

// UserInfoResponse carries only the claims the provider supplied.
type UserInfoResponse struct {
	Sub   string `json:"sub,omitempty"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// PrivateResponse echoes the verified session.
type PrivateResponse struct {
	Message  string `json:"message"`
	Provider string `json:"provider"`
	Subject  string `json:"subject"`
	Username string `json:"username,omitempty"`
}

// UserInfo fetches the provider profile for the bearer token and reshapes it
// into pool attribute names.
func (h *Handler) UserInfo(w http.ResponseWriter, r *http.Request) {
	rl := relayFrom(r.Context())

	token, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		middleware.WriteError(w, r, errors.Unauthorized("bearer access token is required"))
		return
	}

	profile, err := rl.provider.FetchProfile(r.Context(), token)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	resp := UserInfoResponse{
		Email: profile.Email,
		Name:  profile.DisplayName,
	}
	if rl.cfg.IncludeSubject {
		resp.Sub = profile.ProviderUserID
	}

	h.publish(r.Context(), events.EventProfileFetched, rl.cfg.Name, map[string]any{
		"email": profile.Email != "",
		"name":  profile.DisplayName != "",
	})
	middleware.WriteJSON(w, http.StatusOK, resp)
}

// Private answers only once the session authorizer has accepted the caller.
func (h *Handler) Private(w http.ResponseWriter, r *http.Request) {
	s, ok := session.FromContext(r.Context())
	if !ok {
		middleware.WriteError(w, r, errors.Unauthorized("session token is required"))
		return
	}

	middleware.WriteJSON(w, http.StatusOK, PrivateResponse{
		Message:  "authenticated",
		Provider: relayFrom(r.Context()).cfg.Name,
		Subject:  s.Subject,
		Username: s.Username,
	})
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
