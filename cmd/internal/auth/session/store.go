package session

import (
	"context"
	"time"

	"classworks/cmd/identity"
)

// Store is the subset of account persistence the service needs.
// identity.MemoryStore and identity.PostgresStore satisfy it.
type Store interface {
	GetAccount(ctx context.Context, id string) (identity.Account, error)
	SetRefreshToken(ctx context.Context, accountID, hash string, expiresAt, now time.Time) error
	ClearRefreshToken(ctx context.Context, accountID string, now time.Time) error
	BumpTokenVersion(ctx context.Context, accountID string, now time.Time) (int, error)
}

var _ Store = (identity.AccountStore)(nil)
