// Package codec signs and verifies account JWTs.
//
// Access and refresh tokens use separate keys. Either HS256 with shared
// secrets or RS256 with PEM key pairs is used, chosen by Config.Alg. Verify pins
// the configured algorithm and checks issuer, audience, expiry and the `type`
// claim, in that order.
package codec

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"classworks/cmd/security/token"
)

// Kind distinguishes access from refresh tokens.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

const (
	Issuer   = "ClassworksKV"
	Audience = "classworks-client"
)

var (
	ErrInvalidSignature = errors.New("invalid token")
	ErrExpired          = errors.New("token expired")
	ErrWrongType        = errors.New("wrong token type")
	ErrMissingKey       = errors.New("signing key missing")
)

// Claims is the payload of access and refresh tokens. Refresh tokens only
// carry AccountID, TokenVersion and a random jti (RegisteredClaims.ID).
type Claims struct {
	Type         Kind   `json:"type"`
	AccountID    string `json:"accountId"`
	Provider     string `json:"provider,omitempty"`
	Email        string `json:"email,omitempty"`
	Name         string `json:"name,omitempty"`
	AvatarURL    string `json:"avatarUrl,omitempty"`
	TokenVersion int    `json:"tokenVersion"`
	jwt.RegisteredClaims
}

// Remaining returns the lifetime left at now. Zero when no expiry is set.
func (c Claims) Remaining(now time.Time) time.Duration {
	if c.ExpiresAt == nil {
		return 0
	}
	return c.ExpiresAt.Sub(now)
}

// Config selects the algorithm and keys. Field tags bind the env surface.
type Config struct {
	Alg           string   `env:"JWT_ALG" envDefault:"HS256"`
	AccessSecret  string   `env:"JWT_SECRET"`
	RefreshSecret string   `env:"REFRESH_TOKEN_SECRET"`
	AccessTTL     Lifetime `env:"ACCESS_TOKEN_EXPIRES_IN" envDefault:"15m"`
	RefreshTTL    Lifetime `env:"REFRESH_TOKEN_EXPIRES_IN" envDefault:"7d"`

	AccessPrivateKey  string `env:"ACCESS_TOKEN_PRIVATE_KEY"`
	AccessPublicKey   string `env:"ACCESS_TOKEN_PUBLIC_KEY"`
	RefreshPrivateKey string `env:"REFRESH_TOKEN_PRIVATE_KEY"`
	RefreshPublicKey  string `env:"REFRESH_TOKEN_PUBLIC_KEY"`

	// LegacyTTL is the lifetime of pre-versioning tokens (JWT_SECRET, HS256).
	LegacyTTL Lifetime `env:"JWT_EXPIRES_IN" envDefault:"7d"`
}

// DefaultConfig returns HS256 with 15m/7d lifetimes and no secrets.
func DefaultConfig() Config {
	return Config{
		Alg:        "HS256",
		AccessTTL:  Lifetime(15 * time.Minute),
		RefreshTTL: Lifetime(7 * 24 * time.Hour),
		LegacyTTL:  Lifetime(7 * 24 * time.Hour),
	}
}

type keyPair struct {
	sign   any
	verify any
	ttl    time.Duration
}

// Codec signs and verifies access/refresh tokens. It is safe for concurrent use.
type Codec struct {
	method jwt.SigningMethod
	keys   map[Kind]keyPair
	now    func() time.Time
}

// Option configures a Codec.
type Option func(*Codec)

// WithClock overrides the time source used for iat/exp and validation.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		if now != nil {
			c.now = now
		}
	}
}

// New builds a Codec from cfg.
func New(cfg Config, opts ...Option) (*Codec, error) {
	c := &Codec{now: time.Now, keys: make(map[Kind]keyPair, 2)}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, fmt.Errorf("codec: token lifetimes must be positive")
	}

	switch strings.ToUpper(strings.TrimSpace(cfg.Alg)) {
	case "", "HS256":
		c.method = jwt.SigningMethodHS256
		if cfg.AccessSecret == "" || cfg.RefreshSecret == "" {
			return nil, fmt.Errorf("codec: %w: JWT_SECRET and REFRESH_TOKEN_SECRET are required", ErrMissingKey)
		}
		c.keys[KindAccess] = keyPair{sign: []byte(cfg.AccessSecret), verify: []byte(cfg.AccessSecret), ttl: cfg.AccessTTL.Duration()}
		c.keys[KindRefresh] = keyPair{sign: []byte(cfg.RefreshSecret), verify: []byte(cfg.RefreshSecret), ttl: cfg.RefreshTTL.Duration()}
	case "RS256":
		c.method = jwt.SigningMethodRS256
		access, err := rsaPair("ACCESS", cfg.AccessPrivateKey, cfg.AccessPublicKey)
		if err != nil {
			return nil, err
		}
		refresh, err := rsaPair("REFRESH", cfg.RefreshPrivateKey, cfg.RefreshPublicKey)
		if err != nil {
			return nil, err
		}
		access.ttl = cfg.AccessTTL.Duration()
		refresh.ttl = cfg.RefreshTTL.Duration()
		c.keys[KindAccess] = access
		c.keys[KindRefresh] = refresh
	default:
		return nil, fmt.Errorf("codec: unsupported JWT_ALG %q", cfg.Alg)
	}
	return c, nil
}

func rsaPair(prefix, privPEM, pubPEM string) (keyPair, error) {
	privPEM, pubPEM = normalizePEM(privPEM), normalizePEM(pubPEM)
	if privPEM == "" || pubPEM == "" {
		return keyPair{}, fmt.Errorf("codec: %w: RS256 requires %s_TOKEN_PRIVATE_KEY and %s_TOKEN_PUBLIC_KEY", ErrMissingKey, prefix, prefix)
	}
	var (
		priv *rsa.PrivateKey
		pub  *rsa.PublicKey
		err  error
	)
	if priv, err = jwt.ParseRSAPrivateKeyFromPEM([]byte(privPEM)); err != nil {
		return keyPair{}, fmt.Errorf("codec: parse %s private key: %w", strings.ToLower(prefix), err)
	}
	if pub, err = jwt.ParseRSAPublicKeyFromPEM([]byte(pubPEM)); err != nil {
		return keyPair{}, fmt.Errorf("codec: parse %s public key: %w", strings.ToLower(prefix), err)
	}
	return keyPair{sign: priv, verify: pub}, nil
}

// normalizePEM turns literal "\n" sequences (common in env files) into newlines.
func normalizePEM(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, `\n`, "\n"))
}

// Alg returns the configured algorithm name.
func (c *Codec) Alg() string { return c.method.Alg() }

// TTL returns the lifetime of tokens of kind k.
func (c *Codec) TTL(k Kind) time.Duration { return c.keys[k].ttl }

// Sign stamps type, issuer, audience, iat and exp onto claims and signs them
// with the key for kind. It returns the token and its expiry.
func (c *Codec) Sign(claims Claims, kind Kind) (string, time.Time, error) {
	kp, ok := c.keys[kind]
	if !ok {
		return "", time.Time{}, fmt.Errorf("codec: unknown kind %q", kind)
	}
	now := c.now().UTC().Truncate(time.Second)
	exp := now.Add(kp.ttl)

	claims.Type = kind
	if claims.TokenVersion <= 0 {
		claims.TokenVersion = 1
	}
	claims.Issuer = Issuer
	claims.Audience = jwt.ClaimStrings{Audience}
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(exp)
	if kind == KindRefresh && claims.ID == "" {
		jti, err := token.RandomHex(16)
		if err != nil {
			return "", time.Time{}, fmt.Errorf("codec: jti: %w", err)
		}
		claims.ID = jti
	}

	signed, err := jwt.NewWithClaims(c.method, claims).SignedString(kp.sign)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("codec: sign: %w", err)
	}
	return signed, exp, nil
}

// Verify parses raw and checks it is a valid, unexpired token of kind.
func (c *Codec) Verify(raw string, kind Kind) (Claims, error) {
	kp, ok := c.keys[kind]
	if !ok {
		return Claims{}, fmt.Errorf("codec: unknown kind %q", kind)
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims,
		func(*jwt.Token) (any, error) { return kp.verify, nil },
		jwt.WithValidMethods([]string{c.method.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpired
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if claims.Type != kind {
		return Claims{}, ErrWrongType
	}
	if claims.AccountID == "" {
		return Claims{}, fmt.Errorf("%w: missing accountId", ErrInvalidSignature)
	}
	return claims, nil
}
