package resolve

import (
	"context"
	"errors"
	"fmt"

	"classworks/cmd/identity"
	"classworks/cmd/internal/auth/codec"
	"classworks/cmd/internal/auth/session"
)

// Result is the tagged outcome of one verifier. Exactly one of Principal
// (when Err is nil) or Err is meaningful. Final stops the chain on failure:
// the verifier recognised the token as its own and rejected it.
type Result struct {
	Principal AccountPrincipal
	Err       error
	Final     bool
}

// Ok reports whether the verifier accepted the token.
func (r Result) Ok() bool { return r.Err == nil }

// Verifier is one account-token scheme.
type Verifier interface {
	Name() string
	Verify(ctx context.Context, raw string) Result
}

// Chain tries verifiers in order and stops at the first Ok or Final result.
type Chain []Verifier

// Verify returns the accepted principal, or an *Error whose Cause joins every
// verifier's failure.
func (c Chain) Verify(ctx context.Context, raw string) (AccountPrincipal, error) {
	if len(c) == 0 {
		return AccountPrincipal{}, errJWTInvalid
	}
	var (
		errs  []error
		final *Error
	)
	for _, v := range c {
		res := v.Verify(ctx, raw)
		if res.Ok() {
			return res.Principal, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", v.Name(), res.Err))
		if res.Final {
			final = classify(res.Err)
			break
		}
	}
	if final == nil {
		final = errJWTInvalid
	}
	return AccountPrincipal{}, final.withCause(errors.Join(errs...))
}

func classify(err error) *Error {
	switch {
	case errors.Is(err, session.ErrTokenExpired), errors.Is(err, codec.ErrExpired):
		return errJWTExpired
	case errors.Is(err, session.ErrVersionMismatch):
		return errTokenRevoked
	case errors.Is(err, session.ErrAccountNotFound):
		return errAccountNotFound
	case errors.Is(err, session.ErrInvalidToken), errors.Is(err, codec.ErrInvalidSignature), errors.Is(err, codec.ErrWrongType):
		return errJWTInvalid
	default:
		return errInternal
	}
}

// SessionVerifier accepts current-scheme access tokens through the session
// service, including the version check and sliding renewal.
type SessionVerifier struct {
	Service *session.Service
}

func (SessionVerifier) Name() string { return "session" }

func (v SessionVerifier) Verify(ctx context.Context, raw string) Result {
	out, err := v.Service.Verify(ctx, raw)
	if err != nil {
		// Only a signature this codec cannot vouch for may belong to another scheme.
		foreign := errors.Is(err, codec.ErrInvalidSignature)
		return Result{Err: err, Final: !foreign}
	}
	return Result{Principal: AccountPrincipal{
		Account:      out.Account,
		Claims:       out.Claims,
		RenewedToken: out.RenewedToken,
		RenewedExp:   out.RenewedExp,
	}}
}

// AccountGetter loads accounts for the legacy path.
type AccountGetter interface {
	GetAccount(ctx context.Context, id string) (identity.Account, error)
}

// LegacyVerifier accepts pre-versioning tokens. There is no version check,
// but the account must still exist.
type LegacyVerifier struct {
	Legacy   *codec.Legacy
	Accounts AccountGetter
}

func (LegacyVerifier) Name() string { return "legacy" }

func (v LegacyVerifier) Verify(ctx context.Context, raw string) Result {
	claims, err := v.Legacy.Verify(raw)
	if err != nil {
		return Result{Err: err, Final: errors.Is(err, codec.ErrExpired)}
	}
	acc, err := v.Accounts.GetAccount(ctx, claims.AccountID)
	if err != nil {
		if identity.IsNotFound(err) {
			return Result{Err: session.ErrAccountNotFound, Final: true}
		}
		return Result{Err: err, Final: true}
	}
	return Result{Principal: AccountPrincipal{
		Account: acc,
		Claims: codec.Claims{
			AccountID:        claims.AccountID,
			Provider:         claims.Provider,
			Email:            claims.Email,
			Name:             claims.Name,
			AvatarURL:        claims.AvatarURL,
			RegisteredClaims: claims.RegisteredClaims,
		},
		Legacy: true,
	}}
}
