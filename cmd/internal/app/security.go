package app

import (
	"errors"
	"fmt"
	"log/slog"

	"classworks/cmd/security/token"
)

// NewTokenHasher builds the refresh-token hasher and enforces the HMAC
// policy. A short key always fails; a missing one fails only when
// RequireTokenHMAC is set.
func NewTokenHasher(cfg ServerConfig, log *slog.Logger) (token.Hasher, error) {
	h, err := token.HasherFromEnv(cfg.RequireTokenHMAC)
	switch {
	case errors.Is(err, token.ErrHMACKeyMissing):
		return token.Hasher{}, fmt.Errorf("%w: CLASSWORKS_REQUIRE_TOKEN_HMAC=true but %s is missing", ErrConfig, token.HMACEnvKey)
	case errors.Is(err, token.ErrHMACKeyTooShort):
		return token.Hasher{}, fmt.Errorf("%w: %s is too short (min %d bytes)", ErrConfig, token.HMACEnvKey, token.MinHMACKeyBytes)
	case err != nil:
		return token.Hasher{}, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if cfg.RequireTokenHMAC && !h.Keyed() {
		return token.Hasher{}, fmt.Errorf("%w: token hasher is not in HMAC mode", ErrConfig)
	}
	if !h.Keyed() {
		log.Warn("security.token_hmac.disabled", "fallback", "sha256")
	}
	return h, nil
}
