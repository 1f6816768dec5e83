package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/oauth2"
)

// ErrProfile wraps userinfo fetch and decode failures.
var ErrProfile = errors.New("oauth profile")

const maxProfileBytes = 1 << 20

// Profile is a provider user normalized to account fields.
type Profile struct {
	ProviderID string
	Email      string
	Name       string
	AvatarURL  string
	Raw        map[string]any
}

// ProfileFetcher loads the signed-in user from a provider.
type ProfileFetcher interface {
	FetchProfile(ctx context.Context, p *Provider, tok *oauth2.Token) (Profile, error)
}

// UserInfoFetcher GETs the provider's userinfo URL with the access token.
type UserInfoFetcher struct {
	// Client is used as the oauth2 base transport. Nil means http.DefaultClient.
	Client *http.Client
}

// FetchProfile implements ProfileFetcher.
func (f UserInfoFetcher) FetchProfile(ctx context.Context, p *Provider, tok *oauth2.Token) (Profile, error) {
	if f.Client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, f.Client)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.UserInfoURL, nil)
	if err != nil {
		return Profile{}, fmt.Errorf("%w: %w", ErrProfile, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.OAuth2.Client(ctx, tok).Do(req)
	if err != nil {
		return Profile{}, fmt.Errorf("%w: %w", ErrProfile, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Profile{}, fmt.Errorf("%w: userinfo status %d", ErrProfile, resp.StatusCode)
	}
	var raw map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxProfileBytes)).Decode(&raw); err != nil {
		return Profile{}, fmt.Errorf("%w: decode: %w", ErrProfile, err)
	}
	prof := Normalize(p.Key, raw)
	if prof.ProviderID == "" {
		return Profile{}, fmt.Errorf("%w: userinfo has no subject", ErrProfile)
	}
	return prof, nil
}

// Normalize maps a provider userinfo document to a Profile.
func Normalize(provider string, raw map[string]any) Profile {
	p := Profile{Raw: raw}
	switch provider {
	case "github":
		p.ProviderID = str(raw["id"])
		p.Email = str(raw["email"])
		p.Name = firstNonEmpty(str(raw["name"]), str(raw["login"]))
		p.AvatarURL = str(raw["avatar_url"])
	case "zerocat":
		p.ProviderID = str(raw["openid"])
		if verified, _ := raw["email_verified"].(bool); verified {
			p.Email = str(raw["email"])
		}
		p.Name = firstNonEmpty(str(raw["nickname"]), str(raw["username"]))
		p.AvatarURL = str(raw["avatar"])
	default:
		// OIDC userinfo; Casdoor also sends id and avatar.
		p.ProviderID = firstNonEmpty(str(raw["sub"]), str(raw["id"]))
		p.Email = str(raw["email"])
		p.Name = firstNonEmpty(str(raw["name"]), str(raw["preferred_username"]), str(raw["nickname"]), str(raw["username"]))
		p.AvatarURL = firstNonEmpty(str(raw["picture"]), str(raw["avatar"]), str(raw["avatar_url"]))
	}
	return p
}

func str(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
