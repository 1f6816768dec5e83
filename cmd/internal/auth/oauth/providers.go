// Package oauth signs accounts in through external OAuth 2.0 / OIDC providers.
//
// A Registry holds the providers configured from the environment. Begin
// builds the authorization redirect and parks a single-use state entry;
// Complete redeems the state, exchanges the code and fetches a normalized
// Profile. Account upsert and token issuance are left to the caller.
package oauth

import (
	"errors"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/oauth2"
)

var (
	ErrUnknownProvider = errors.New("unsupported oauth provider")
	ErrNotConfigured   = errors.New("oauth provider not configured")
)

// Definition describes a provider: endpoints, scopes and display metadata.
type Definition struct {
	Key         string
	AuthURL     string
	TokenURL    string
	UserInfoURL string
	Scopes      []string

	// PKCE enables an S256 code challenge on authorize and the verifier on exchange.
	PKCE bool

	// AuthStyle selects how client credentials reach the token endpoint.
	// Zero auto-detects.
	AuthStyle oauth2.AuthStyle

	Name        string
	DisplayName string
	Icon        string
	Color       string
	TextColor   string
	Description string
	Website     string
	Order       int
}

// Builtin is the provider catalogue. Only entries with credentials in the
// environment are enabled.
var Builtin = []Definition{
	{
		Key:         "github",
		AuthURL:     "https://github.com/login/oauth/authorize",
		TokenURL:    "https://github.com/login/oauth/access_token",
		UserInfoURL: "https://api.github.com/user",
		Scopes:      []string{"read:user", "user:email"},
		Name:        "GitHub",
		DisplayName: "GitHub",
		Icon:        "github",
		Color:       "#24292e",
		Description: "使用 GitHub 账号登录",
		Website:     "https://github.com",
		Order:       10,
	},
	{
		Key:         "zerocat",
		AuthURL:     "https://zerocat-api.houlang.cloud/oauth/authorize",
		TokenURL:    "https://zerocat-api.houlang.cloud/oauth/token",
		UserInfoURL: "https://zerocat-api.houlang.cloud/oauth/userinfo",
		Scopes:      []string{"user:basic", "user:email"},
		Name:        "ZeroCat",
		DisplayName: "ZeroCat",
		Icon:        "zerocat",
		Color:       "#415f91",
		Description: "使用 ZeroCat 账号登录",
		Website:     "https://zerocat.dev",
		Order:       20,
	},
	{
		Key:         "stcn",
		AuthURL:     "https://auth.smart-teach.cn/login/oauth/authorize",
		TokenURL:    "https://auth.smart-teach.cn/api/login/oauth/access_token",
		UserInfoURL: "https://auth.smart-teach.cn/api/userinfo",
		Scopes:      []string{"openid", "profile", "email", "offline_access"},
		AuthStyle:   oauth2.AuthStyleInParams,
		Name:        "stcn",
		DisplayName: "智教联盟账户",
		Icon:        "casdoor",
		Color:       "#1068af",
		Description: "使用智教联盟账户登录",
		Website:     "https://auth.smart-teach.cn",
		Order:       30,
	},
	{
		Key:         "hly",
		AuthURL:     "https://oauth.houlang.cloud/oidc/auth",
		TokenURL:    "https://oauth.houlang.cloud/oidc/token",
		UserInfoURL: "https://oauth.houlang.cloud/oidc/me",
		Scopes:      []string{"openid", "profile", "email", "offline_access"},
		PKCE:        true,
		Name:        "厚浪云",
		DisplayName: "厚浪云",
		Icon:        "logto",
		Color:       "#2d53f8",
		TextColor:   "#ffffff",
		Description: "使用厚浪云账号登录",
		Website:     "https://houlang.cloud",
		Order:       40,
	},
	{
		Key:         "dlass",
		AuthURL:     "https://auth.wiki.forum/login/oauth/authorize",
		TokenURL:    "https://auth.wiki.forum/api/login/oauth/access_token",
		UserInfoURL: "https://auth.wiki.forum/api/userinfo",
		Scopes:      []string{"openid", "profile", "email", "offline_access"},
		AuthStyle:   oauth2.AuthStyleInParams,
		Name:        "dlass",
		DisplayName: "Dlass 账户",
		Icon:        "casdoor",
		Color:       "#3498db",
		Description: "使用Dlass账户登录",
		Website:     "https://dlass.tech",
		Order:       50,
	},
}

// Provider is a Definition bound to client credentials and a callback URL.
type Provider struct {
	Definition
	OAuth2 *oauth2.Config
}

// Configured reports whether the provider has credentials.
func (p *Provider) Configured() bool {
	return p.OAuth2 != nil && p.OAuth2.ClientID != "" && p.OAuth2.ClientSecret != ""
}

// Info is the public listing entry of an enabled provider.
type Info struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	Icon        string `json:"icon"`
	Color       string `json:"color"`
	TextColor   string `json:"textColor,omitempty"`
	Description string `json:"description"`
	Website     string `json:"website"`
	Order       int    `json:"order"`
	AuthURL     string `json:"authUrl"`
}

// Registry is the set of known providers.
type Registry struct {
	baseURL   string
	providers map[string]*Provider
}

// NewRegistry registers every Builtin provider with credentials from cfg.
func NewRegistry(cfg Config) *Registry {
	r := NewEmptyRegistry(cfg.BaseURL)
	for _, def := range Builtin {
		r.Register(def, cfg.credentials(def.Key))
	}
	return r
}

// NewEmptyRegistry returns a Registry with no providers.
func NewEmptyRegistry(baseURL string) *Registry {
	return &Registry{
		baseURL:   strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		providers: make(map[string]*Provider),
	}
}

// Register adds or replaces a provider.
func (r *Registry) Register(def Definition, creds Credentials) *Provider {
	p := &Provider{
		Definition: def,
		OAuth2: &oauth2.Config{
			ClientID:     strings.TrimSpace(creds.ClientID),
			ClientSecret: strings.TrimSpace(creds.ClientSecret),
			Endpoint: oauth2.Endpoint{
				AuthURL:   def.AuthURL,
				TokenURL:  def.TokenURL,
				AuthStyle: def.AuthStyle,
			},
			RedirectURL: r.CallbackURL(def.Key),
			Scopes:      def.Scopes,
		},
	}
	r.providers[def.Key] = p
	return p
}

// CallbackURL is the redirect URI registered with the provider.
func (r *Registry) CallbackURL(key string) string {
	return r.baseURL + "/accounts/oauth/" + url.PathEscape(key) + "/callback"
}

// Get returns a configured provider.
func (r *Registry) Get(key string) (*Provider, error) {
	p, ok := r.providers[key]
	if !ok {
		return nil, ErrUnknownProvider
	}
	if !p.Configured() {
		return nil, ErrNotConfigured
	}
	return p, nil
}

// List returns the configured providers ordered by Order, then key.
func (r *Registry) List() []Info {
	out := make([]Info, 0, len(r.providers))
	for key, p := range r.providers {
		if !p.Configured() {
			continue
		}
		out = append(out, Info{
			ID:          key,
			Name:        p.Name,
			DisplayName: p.DisplayName,
			Icon:        p.Icon,
			Color:       p.Color,
			TextColor:   p.TextColor,
			Description: p.Description,
			Website:     p.Website,
			Order:       p.Order,
			AuthURL:     "/accounts/oauth/" + key,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out
}
