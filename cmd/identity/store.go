package identity

import (
	"context"
	"time"
)

// User is the vault's security principal.
//
// EncryptedDEK is written once at creation and never rotated.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	IsActive     bool
	IsVerified   bool
	EncryptedDEK string

	ResetTokenID     *string
	ResetRequestedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store is the user persistence boundary. Every method is transactional on its own.
type Store interface {
	// CreateUser inserts u. Returns ConflictError{Field: "email"} on duplicate email.
	CreateUser(ctx context.Context, u User) error

	GetUserByID(ctx context.Context, id string) (User, error)

	// GetUserByEmail matches the stored email exactly (case-sensitive).
	GetUserByEmail(ctx context.Context, email string) (User, error)

	// MarkVerified sets is_verified. Returns false if the user was already verified.
	MarkVerified(ctx context.Context, id string, now time.Time) (bool, error)

	// UpdatePasswordHash replaces the password hash.
	UpdatePasswordHash(ctx context.Context, id, hash string, now time.Time) error

	// SetResetToken stores a fresh reset token id only if the previous request is
	// older than notAfter (or absent). Returns false when the cooldown is still running.
	SetResetToken(ctx context.Context, id, resetID string, now, notAfter time.Time) (bool, error)

	// ConsumeResetToken sets the new hash, clears the reset fields and marks the user
	// verified, only if the stored reset token id still equals resetID.
	ConsumeResetToken(ctx context.Context, id, resetID, hash string, now time.Time) (bool, error)
}
