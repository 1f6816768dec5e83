package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
)

var (
	ErrInvalidState = errors.New("invalid_state")
	ErrExchange     = errors.New("oauth token exchange failed")
)

// Flow runs the authorization-code grant against a Registry.
type Flow struct {
	registry *Registry
	states   *StateStore
	fetcher  ProfileFetcher
	client   *http.Client
	frontend *url.URL
}

// FlowOption configures a Flow.
type FlowOption func(*Flow)

// WithFetcher replaces the default UserInfoFetcher.
func WithFetcher(f ProfileFetcher) FlowOption {
	return func(fl *Flow) {
		if f != nil {
			fl.fetcher = f
		}
	}
}

// WithHTTPClient sets the client used for token exchange and userinfo.
func WithHTTPClient(c *http.Client) FlowOption {
	return func(fl *Flow) { fl.client = c }
}

// NewFlow constructs a Flow. frontendURL is the default landing page and the
// origin a caller-supplied redirect_uri must share.
func NewFlow(reg *Registry, states *StateStore, frontendURL string, opts ...FlowOption) (*Flow, error) {
	u, err := url.Parse(strings.TrimSpace(frontendURL))
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("%w: FRONTEND_URL %q", ErrConfig, frontendURL)
	}
	fl := &Flow{registry: reg, states: states, frontend: u}
	for _, opt := range opts {
		if opt != nil {
			opt(fl)
		}
	}
	if fl.fetcher == nil {
		fl.fetcher = UserInfoFetcher{Client: fl.client}
	}
	return fl, nil
}

// Registry returns the provider registry.
func (fl *Flow) Registry() *Registry { return fl.registry }

// Begin parks a new state and returns the provider authorization URL.
func (fl *Flow) Begin(providerKey, redirectURI string) (string, error) {
	p, err := fl.registry.Get(providerKey)
	if err != nil {
		return "", err
	}
	state, err := NewState()
	if err != nil {
		return "", err
	}
	entry := StateEntry{Provider: p.Key, RedirectURI: fl.allowedRedirect(redirectURI)}

	var opts []oauth2.AuthCodeOption
	if p.PKCE {
		entry.CodeVerifier = oauth2.GenerateVerifier()
		opts = append(opts, oauth2.S256ChallengeOption(entry.CodeVerifier))
	}
	fl.states.Put(state, entry)
	fl.states.Sweep()
	return p.OAuth2.AuthCodeURL(state, opts...), nil
}

// Completed is the outcome of a successful callback.
type Completed struct {
	Profile Profile
	Token   *oauth2.Token
	Landing string
}

// Complete redeems state, exchanges code and fetches the profile. The state
// is consumed on the first call whatever the outcome.
func (fl *Flow) Complete(ctx context.Context, providerKey, code, state string) (Completed, error) {
	entry, ok := fl.states.Take(state)
	if !ok || entry.Provider != providerKey {
		return Completed{}, ErrInvalidState
	}
	p, err := fl.registry.Get(providerKey)
	if err != nil {
		return Completed{}, err
	}
	if strings.TrimSpace(code) == "" {
		return Completed{}, fmt.Errorf("%w: missing code", ErrExchange)
	}

	if fl.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, fl.client)
	}
	var opts []oauth2.AuthCodeOption
	if entry.CodeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(entry.CodeVerifier))
	}
	tok, err := p.OAuth2.Exchange(ctx, code, opts...)
	if err != nil {
		return Completed{}, fmt.Errorf("%w: %w", ErrExchange, err)
	}
	if tok.AccessToken == "" {
		return Completed{}, fmt.Errorf("%w: empty access token", ErrExchange)
	}

	prof, err := fl.fetcher.FetchProfile(ctx, p, tok)
	if err != nil {
		return Completed{}, err
	}
	return Completed{Profile: prof, Token: tok, Landing: fl.landing(entry)}, nil
}

// Landing returns where to send the browser for entry, with vals appended.
func (fl *Flow) Landing(redirectURI string, vals url.Values) string {
	base := fl.frontend
	if r := fl.allowedRedirect(redirectURI); r != "" {
		base, _ = url.Parse(r)
	}
	u := *base
	q := u.Query()
	for k, vs := range vals {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (fl *Flow) landing(e StateEntry) string {
	if e.RedirectURI != "" {
		return e.RedirectURI
	}
	return fl.frontend.String()
}

// allowedRedirect keeps a redirect_uri only when it shares the frontend origin.
func (fl *Flow) allowedRedirect(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || !strings.EqualFold(u.Scheme, fl.frontend.Scheme) || !strings.EqualFold(u.Host, fl.frontend.Host) {
		return ""
	}
	return u.String()
}
