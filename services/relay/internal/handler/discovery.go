package handler

import (
	"net/http"

	"github.com/nguyenvantinh06/oauth-relay/services/shared/middleware"
)

// Registration serves the identity provider definition for the pool.
func (h *Handler) Registration(w http.ResponseWriter, r *http.Request) {
	rl := relayFrom(r.Context())
	middleware.WriteJSON(w, http.StatusOK, rl.describer.Registration(h.baseURL(r, rl.cfg.Name)))
}

// Discovery serves the OpenID Connect discovery document.
func (h *Handler) Discovery(w http.ResponseWriter, r *http.Request) {
	rl := relayFrom(r.Context())
	middleware.WriteJSON(w, http.StatusOK, rl.describer.Discovery(h.baseURL(r, rl.cfg.Name)))
}

// JWKS serves the ID token verification keys.
func (h *Handler) JWKS(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, h.signer.JWKS())
}
