package session

import (
	"errors"
)

var (
	// ErrInvalidToken is returned when a token fails signature, claim or type checks.
	ErrInvalidToken = errors.New("invalid token")

	// ErrAccountNotFound is returned when the token's account no longer exists.
	ErrAccountNotFound = errors.New("account not found")

	// ErrTokenMismatch is returned when a refresh token is not the account's live one.
	ErrTokenMismatch = errors.New("invalid refresh token")

	// ErrTokenExpired is returned when a token or the stored refresh slot has expired.
	ErrTokenExpired = errors.New("token expired")

	// ErrVersionMismatch is returned when the token predates the account's last revoke-all.
	ErrVersionMismatch = errors.New("token version mismatch")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)
