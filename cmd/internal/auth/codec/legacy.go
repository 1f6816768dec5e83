package codec

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// LegacyClaims is the pre-versioning account token shape: HS256 over
// JWT_SECRET, no type, no tokenVersion, no issuer or audience.
type LegacyClaims struct {
	AccountID string `json:"accountId"`
	Provider  string `json:"provider,omitempty"`
	Email     string `json:"email,omitempty"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`

	// Present only on current-scheme tokens; their presence disqualifies a
	// token from the legacy path so revocation cannot be bypassed.
	Type         string `json:"type,omitempty"`
	TokenVersion *int   `json:"tokenVersion,omitempty"`

	jwt.RegisteredClaims
}

// Legacy verifies pre-versioning account tokens.
type Legacy struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time
}

// NewLegacy returns a verifier for tokens signed with secret. maxAge bounds
// tokens that carry iat but no exp; zero disables that check.
func NewLegacy(secret string, maxAge time.Duration, opts ...Option) (*Legacy, error) {
	if secret == "" {
		return nil, fmt.Errorf("codec: %w: JWT_SECRET is required for legacy tokens", ErrMissingKey)
	}
	c := &Codec{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return &Legacy{secret: []byte(secret), maxAge: maxAge, now: c.now}, nil
}

// Verify parses raw as a legacy token.
func (l *Legacy) Verify(raw string) (LegacyClaims, error) {
	var claims LegacyClaims
	_, err := jwt.ParseWithClaims(raw, &claims,
		func(*jwt.Token) (any, error) { return l.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(l.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return LegacyClaims{}, ErrExpired
		}
		return LegacyClaims{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if claims.Type != "" || claims.TokenVersion != nil {
		return LegacyClaims{}, ErrWrongType
	}
	if claims.AccountID == "" {
		return LegacyClaims{}, fmt.Errorf("%w: missing accountId", ErrInvalidSignature)
	}
	if claims.ExpiresAt == nil && l.maxAge > 0 {
		if claims.IssuedAt == nil || l.now().Sub(claims.IssuedAt.Time) > l.maxAge {
			return LegacyClaims{}, ErrExpired
		}
	}
	return claims, nil
}
