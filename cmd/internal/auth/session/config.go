package session

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"classworks/cmd/internal/auth/codec"
)

// Config holds the session subsystem settings not owned by the codec.
type Config struct {
	// RenewWithin is the remaining access-token lifetime below which a
	// validated request is handed a replacement token.
	RenewWithin codec.Lifetime `env:"CLASSWORKS_TOKEN_RENEW_WITHIN" envDefault:"5m"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{RenewWithin: codec.Lifetime(5 * time.Minute)}
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// Optional:
//   - CLASSWORKS_TOKEN_RENEW_WITHIN (e.g. "5m", "300")
//
// Returns an error wrapping ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if cfg.RenewWithin <= 0 {
		return Config{}, fmt.Errorf("%w: CLASSWORKS_TOKEN_RENEW_WITHIN must be positive", ErrConfig)
	}
	return cfg, nil
}
