package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"os"
	"strings"
)

const (
	// HMACEnvKey is the env var name for the token HMAC secret.
	// #nosec G101 -- not a credential; it's an environment variable name.
	HMACEnvKey = "CLASSWORKS_TOKEN_HMAC_KEY"

	// MinHMACKeyBytes is the enforced minimum key size when HMAC is required.
	MinHMACKeyBytes = 32
)

// HashSHA256Hex returns a SHA-256 hex digest of s.
func HashSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashHMACSHA256Hex returns an HMAC-SHA256 hex digest of s using key.
func HashHMACSHA256Hex(s string, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}

// EqualHex compares two hex digests in constant time.
func EqualHex(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// RandomHex returns n random bytes, hex-encoded.
func RandomHex(n int) (string, error) {
	if n <= 0 {
		n = 16
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// NewInstallToken mints an app-install capability token: SHA-256 over 32
// random bytes salted with context, hex-encoded (64 chars).
func NewInstallToken(context ...string) (string, error) {
	r, err := RandomHex(32)
	if err != nil {
		return "", err
	}
	return HashSHA256Hex(strings.Join(append(context, r), "-")), nil
}

// Fingerprint returns a short, non-reversible tag of a secret, safe to log.
func Fingerprint(secret string) string {
	if secret == "" {
		return ""
	}
	return HashSHA256Hex(secret)[:12]
}

// Hasher hashes refresh tokens with a fixed key. A zero Hasher uses SHA-256.
type Hasher struct {
	key []byte
}

// NewHasher returns a Hasher using key. An empty key selects SHA-256.
func NewHasher(key []byte) Hasher {
	return Hasher{key: append([]byte(nil), key...)}
}

// HasherFromEnv builds a Hasher from CLASSWORKS_TOKEN_HMAC_KEY. When require is
// true the key must be present and at least MinHMACKeyBytes long.
func HasherFromEnv(require bool) (Hasher, error) {
	key, err := HMACKeyFromEnv(MinHMACKeyBytes)
	switch {
	case err == nil:
		return NewHasher(key), nil
	case require:
		return Hasher{}, err
	case err == ErrHMACKeyTooShort:
		return Hasher{}, err
	default:
		return Hasher{}, nil
	}
}

// Keyed reports whether the hasher runs in HMAC mode.
func (h Hasher) Keyed() bool { return len(h.key) > 0 }

// Hash returns the storage digest of a refresh token.
func (h Hasher) Hash(tok string) string {
	if len(h.key) == 0 {
		return HashSHA256Hex(tok)
	}
	return HashHMACSHA256Hex(tok, h.key)
}

// Matches reports whether tok hashes to digest.
func (h Hasher) Matches(tok, digest string) bool {
	return EqualHex(h.Hash(tok), digest)
}

// HMACKeyFromEnv returns the configured HMAC key bytes (trimmed), enforcing a minimum byte length.
// If the env var is missing/blank -> ErrHMACKeyMissing.
// If too short -> ErrHMACKeyTooShort.
func HMACKeyFromEnv(minBytes int) ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(HMACEnvKey))
	if raw == "" {
		return nil, ErrHMACKeyMissing
	}
	b := []byte(raw)
	if minBytes > 0 && len(b) < minBytes {
		return nil, ErrHMACKeyTooShort
	}
	return b, nil
}
