package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"classworks/cmd/identity"
	"classworks/cmd/internal/auth/codec"
	"classworks/cmd/security/token"
)

// Service issues, refreshes, validates and revokes account tokens.
type Service struct {
	cfg    Config
	tokens *codec.Codec
	store  Store
	hasher token.Hasher
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source used for store timestamps and
// refresh-slot expiry. Pass the same clock to the codec.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithHasher sets the refresh-token hasher. The zero Hasher uses plain SHA-256.
func WithHasher(h token.Hasher) Option {
	return func(s *Service) { s.hasher = h }
}

// NewService constructs a Service.
func NewService(cfg Config, tokens *codec.Codec, store Store, opts ...Option) (*Service, error) {
	if tokens == nil || store == nil {
		return nil, fmt.Errorf("%w: codec and store are required", ErrConfig)
	}
	if cfg.RenewWithin <= 0 {
		cfg.RenewWithin = DefaultConfig().RenewWithin
	}
	s := &Service{cfg: cfg, tokens: tokens, store: store, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Pair is a freshly issued access/refresh token pair.
type Pair struct {
	AccessToken  string
	AccessExp    time.Time
	RefreshToken string
	RefreshExp   time.Time
}

// ExpiresIn is the access-token lifetime as reported to clients.
func (p Pair) ExpiresIn(now time.Time) time.Duration { return p.AccessExp.Sub(now) }

// Refreshed is the result of a successful refresh. Only a new access token is
// minted; the presented refresh token stays valid.
type Refreshed struct {
	AccessToken string
	AccessExp   time.Time
	ExpiresIn   time.Duration
	Account     identity.Account
}

// Validated is an access token that passed signature and version checks.
// RenewedToken is set when the token was close to expiry.
type Validated struct {
	Claims       codec.Claims
	Account      identity.Account
	RenewedToken string
	RenewedExp   time.Time
}

// AccessClaims builds the access-token payload for acc.
func AccessClaims(acc identity.Account) codec.Claims {
	return codec.Claims{
		AccountID:    acc.ID,
		Provider:     acc.Provider,
		Email:        acc.Email,
		Name:         acc.Name,
		AvatarURL:    acc.AvatarURL,
		TokenVersion: acc.TokenVersion,
	}
}

// IssuePair mints an access and refresh token under the account's current
// version and stores the refresh hash, replacing any earlier one.
func (s *Service) IssuePair(ctx context.Context, acc identity.Account) (Pair, error) {
	if strings.TrimSpace(acc.ID) == "" {
		return Pair{}, ErrAccountNotFound
	}
	access, accessExp, err := s.tokens.Sign(AccessClaims(acc), codec.KindAccess)
	if err != nil {
		return Pair{}, err
	}
	refresh, refreshExp, err := s.tokens.Sign(codec.Claims{AccountID: acc.ID, TokenVersion: acc.TokenVersion}, codec.KindRefresh)
	if err != nil {
		return Pair{}, err
	}
	if err := s.store.SetRefreshToken(ctx, acc.ID, s.hasher.Hash(refresh), refreshExp, s.now().UTC()); err != nil {
		if identity.IsNotFound(err) {
			return Pair{}, ErrAccountNotFound
		}
		return Pair{}, err
	}
	return Pair{
		AccessToken:  access,
		AccessExp:    accessExp,
		RefreshToken: refresh,
		RefreshExp:   refreshExp,
	}, nil
}

// Refresh exchanges a refresh token for a new access token.
//
// Checks run in order: signature/type, account existence, version, stored
// hash, stored expiry. The version check comes before the hash comparison so
// a token revoked by RevokeAll reports ErrVersionMismatch even though the
// slot was cleared.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Refreshed, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" || len(refreshToken) > 8192 {
		return Refreshed{}, ErrInvalidToken
	}

	claims, err := s.tokens.Verify(refreshToken, codec.KindRefresh)
	if err != nil {
		return Refreshed{}, mapCodecError(err)
	}

	acc, err := s.account(ctx, claims.AccountID)
	if err != nil {
		return Refreshed{}, err
	}
	if acc.TokenVersion != claims.TokenVersion {
		return Refreshed{}, ErrVersionMismatch
	}
	if acc.RefreshTokenHash == nil || !s.hasher.Matches(refreshToken, *acc.RefreshTokenHash) {
		return Refreshed{}, ErrTokenMismatch
	}
	now := s.now().UTC()
	if acc.RefreshTokenExpiry != nil && acc.RefreshTokenExpiry.Before(now) {
		return Refreshed{}, ErrTokenExpired
	}

	access, exp, err := s.tokens.Sign(AccessClaims(acc), codec.KindAccess)
	if err != nil {
		return Refreshed{}, err
	}
	return Refreshed{
		AccessToken: access,
		AccessExp:   exp,
		ExpiresIn:   s.tokens.TTL(codec.KindAccess),
		Account:     acc,
	}, nil
}

// Verify checks an access token end to end: signature, type, account and
// version. A token within the renewal window comes back with a replacement.
func (s *Service) Verify(ctx context.Context, accessToken string) (Validated, error) {
	claims, err := s.tokens.Verify(strings.TrimSpace(accessToken), codec.KindAccess)
	if err != nil {
		return Validated{}, mapCodecError(err)
	}
	acc, err := s.Validate(ctx, claims)
	if err != nil {
		return Validated{}, err
	}
	out := Validated{Claims: claims, Account: acc}
	if tok, exp, ok, err := s.Renew(acc, claims); err != nil {
		return Validated{}, err
	} else if ok {
		out.RenewedToken, out.RenewedExp = tok, exp
	}
	return out, nil
}

// Validate re-checks already verified access claims against the live account.
func (s *Service) Validate(ctx context.Context, claims codec.Claims) (identity.Account, error) {
	acc, err := s.account(ctx, claims.AccountID)
	if err != nil {
		return identity.Account{}, err
	}
	if acc.TokenVersion != claims.TokenVersion {
		return identity.Account{}, ErrVersionMismatch
	}
	return acc, nil
}

// Renew mints a replacement access token when claims expire within the
// configured window. ok is false when no renewal is due.
func (s *Service) Renew(acc identity.Account, claims codec.Claims) (tok string, exp time.Time, ok bool, err error) {
	left := claims.Remaining(s.now())
	if left <= 0 || left >= s.cfg.RenewWithin.Duration() {
		return "", time.Time{}, false, nil
	}
	tok, exp, err = s.tokens.Sign(AccessClaims(acc), codec.KindAccess)
	if err != nil {
		return "", time.Time{}, false, err
	}
	return tok, exp, true, nil
}

// RevokeOne clears the account's refresh token (single-device logout).
// Access tokens stay valid until they expire.
func (s *Service) RevokeOne(ctx context.Context, accountID string) error {
	if err := s.store.ClearRefreshToken(ctx, accountID, s.now().UTC()); err != nil {
		if identity.IsNotFound(err) {
			return ErrAccountNotFound
		}
		return err
	}
	return nil
}

// RevokeAll bumps the token version and clears the refresh token, which
// invalidates every token issued so far. It returns the new version.
func (s *Service) RevokeAll(ctx context.Context, accountID string) (int, error) {
	v, err := s.store.BumpTokenVersion(ctx, accountID, s.now().UTC())
	if err != nil {
		if identity.IsNotFound(err) {
			return 0, ErrAccountNotFound
		}
		return 0, err
	}
	return v, nil
}

// Account loads an account, mapping a missing row to ErrAccountNotFound.
func (s *Service) Account(ctx context.Context, id string) (identity.Account, error) {
	return s.account(ctx, id)
}

// AccessTTL is the configured access-token lifetime.
func (s *Service) AccessTTL() time.Duration { return s.tokens.TTL(codec.KindAccess) }

func (s *Service) account(ctx context.Context, id string) (identity.Account, error) {
	acc, err := s.store.GetAccount(ctx, id)
	if err != nil {
		if identity.IsNotFound(err) {
			return identity.Account{}, ErrAccountNotFound
		}
		return identity.Account{}, err
	}
	return acc, nil
}

// mapCodecError keeps the codec sentinel in the chain so callers can tell a
// foreign signature (legacy fallback candidate) from a wrong type.
func mapCodecError(err error) error {
	if errors.Is(err, codec.ErrExpired) {
		return fmt.Errorf("%w: %w", ErrTokenExpired, err)
	}
	return fmt.Errorf("%w: %w", ErrInvalidToken, err)
}
