package oauth

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/caarlos0/env/v11"
)

// ErrConfig wraps every configuration failure.
var ErrConfig = errors.New("oauth config")

// Credentials are the client id and secret issued by one provider.
type Credentials struct {
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
}

// Configured reports whether both halves are present.
func (c Credentials) Configured() bool {
	return strings.TrimSpace(c.ClientID) != "" && strings.TrimSpace(c.ClientSecret) != ""
}

// Config holds the OAuth settings read from the environment.
type Config struct {
	// BaseURL is the public origin of this server; callbacks are
	// {BaseURL}/accounts/oauth/{provider}/callback.
	BaseURL string `env:"BASE_URL" envDefault:"http://localhost:3000"`

	// FrontendURL receives the final redirect with tokens or an error.
	FrontendURL string `env:"FRONTEND_URL" envDefault:"http://localhost:5173"`

	GitHub  Credentials `envPrefix:"GITHUB_"`
	Zerocat Credentials `envPrefix:"ZEROCAT_"`
	STCN    Credentials `envPrefix:"STCN_"`
	HLY     Credentials `envPrefix:"HLY_"`
	Dlass   Credentials `envPrefix:"DLASS_"`
}

// LoadConfigFromEnv parses Config and validates both URLs.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that BaseURL and FrontendURL are absolute http(s) URLs.
func (c Config) Validate() error {
	for name, raw := range map[string]string{"BASE_URL": c.BaseURL, "FRONTEND_URL": c.FrontendURL} {
		u, err := url.Parse(strings.TrimSpace(raw))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: %s must be an absolute http(s) URL", ErrConfig, name)
		}
	}
	return nil
}

func (c Config) credentials(key string) Credentials {
	switch key {
	case "github":
		return c.GitHub
	case "zerocat":
		return c.Zerocat
	case "stcn":
		return c.STCN
	case "hly":
		return c.HLY
	case "dlass":
		return c.Dlass
	default:
		return Credentials{}
	}
}
