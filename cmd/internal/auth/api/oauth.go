package authapi

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"classworks/cmd/identity"
	"classworks/cmd/internal/auth/oauth"
	"classworks/cmd/internal/httpx"
)

func (h *Handler) handleOAuthProviders(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, providersResponse{Success: true, Data: h.oauth.Registry().List()})
}

func (h *Handler) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	target, err := h.oauth.Begin(provider, r.URL.Query().Get("redirect_uri"))
	if err != nil {
		h.writeError(w, r, "oauth.start.fail", err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// handleOAuthCallback always answers with a redirect to the frontend, carrying
// either the token pair or an error.
func (h *Handler) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	q := r.URL.Query()

	fail := func(code string, err error) {
		h.log.Warn("oauth.callback.fail", "provider", provider, "error", code, "err", err)
		vals := url.Values{"error": {code}, "provider": {provider}, "success": {"false"}}
		http.Redirect(w, r, h.oauth.Landing("", vals), http.StatusFound)
	}

	if e := q.Get("error"); e != "" {
		fail(e, nil)
		return
	}

	done, err := h.oauth.Complete(r.Context(), provider, q.Get("code"), q.Get("state"))
	if err != nil {
		fail(oauthErrorCode(err), err)
		return
	}

	now := h.now()
	acc, err := h.store.UpsertOAuthAccount(r.Context(), identity.UpsertAccountInput{
		Provider:   provider,
		ProviderID: done.Profile.ProviderID,
		Email:      done.Profile.Email,
		Name:       done.Profile.Name,
		AvatarURL:  done.Profile.AvatarURL,
		Now:        now,
	})
	if err != nil {
		fail("server_error", err)
		return
	}
	pair, err := h.sessions.IssuePair(r.Context(), acc)
	if err != nil {
		fail("server_error", err)
		return
	}

	h.log.Info("oauth.callback.ok", "provider", provider, "account_id", acc.ID)
	vals := url.Values{
		"access_token":  {pair.AccessToken},
		"refresh_token": {pair.RefreshToken},
		"expires_in":    {strconv.FormatInt(int64(pair.ExpiresIn(now)/time.Second), 10)},
		"token":         {pair.AccessToken},
		"provider":      {provider},
		"success":       {"true"},
	}
	http.Redirect(w, r, h.oauth.Landing(done.Landing, vals), http.StatusFound)
}

func oauthErrorCode(err error) string {
	switch {
	case errors.Is(err, oauth.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, oauth.ErrUnknownProvider):
		return "unsupported_provider"
	case errors.Is(err, oauth.ErrNotConfigured):
		return "provider_not_configured"
	case errors.Is(err, oauth.ErrExchange):
		return "token_exchange_failed"
	case errors.Is(err, oauth.ErrProfile):
		return "profile_fetch_failed"
	default:
		return "server_error"
	}
}
