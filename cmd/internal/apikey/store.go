package apikey

import (
	"context"
	"time"
)

// Key is a stored API key. The raw key is never persisted.
type Key struct {
	ID         string
	UserID     string
	Name       string
	Prefix     string
	KeyHash    string
	CreatedAt  time.Time
	LastUsedAt *time.Time
	RevokedAt  *time.Time
}

// Active reports whether the key can still authenticate.
func (k Key) Active() bool { return k.RevokedAt == nil }

// Store is the persistence boundary for API keys. Owner-scoped operations
// report keys of other users as ErrNotFound.
type Store interface {
	Create(ctx context.Context, k Key) error
	GetByHash(ctx context.Context, keyHash string) (Key, error)
	ListByUser(ctx context.Context, userID string) ([]Key, error)
	Touch(ctx context.Context, id string, now time.Time) error

	// Revoke returns false when the key was already revoked.
	Revoke(ctx context.Context, id, userID string, now time.Time) (bool, error)
	RevokeAll(ctx context.Context, userID string, now time.Time) (int64, error)
	Delete(ctx context.Context, id, userID string) error
}
