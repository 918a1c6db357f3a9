// Package apikey manages long-lived bearer keys for programmatic access.
//
// Keys look like "totp_<base64url>". Only a hash of the key is stored; the raw
// value is returned once, at creation.
package apikey

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"otpvault/cmd/identity"
	"otpvault/cmd/identity/ids"
	"otpvault/cmd/internal/metrics"
	"otpvault/cmd/security/token"
)

const (
	// KeyPrefix marks vault API keys.
	KeyPrefix = "totp_"

	defaultKeyBytes = 32
	defaultName     = "API key"
	maxNameLen      = 64
	displayLen      = 6
)

// UserLookup resolves key owners.
type UserLookup interface {
	GetByID(ctx context.Context, id string) (identity.User, error)
}

// Service issues, validates and revokes API keys.
type Service struct {
	store    Store
	hasher   token.Hasher
	users    UserLookup
	keyBytes int
	log      *slog.Logger
}

// Option configures the Service.
type Option func(*Service) error

// WithKeyBytes sets the random length of generated keys.
func WithKeyBytes(n int) Option {
	return func(s *Service) error {
		if n < 16 || n > 64 {
			return ErrInvalidInput
		}
		s.keyBytes = n
		return nil
	}
}

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) error {
		s.log = l
		return nil
	}
}

// NewService constructs a Service.
func NewService(store Store, hasher token.Hasher, users UserLookup, opts ...Option) (*Service, error) {
	if store == nil || users == nil {
		return nil, ErrInvalidInput
	}
	s := &Service{store: store, hasher: hasher, users: users, keyBytes: defaultKeyBytes, log: slog.Default()}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Create issues a key for userID and returns it with the raw key.
// The raw key cannot be recovered later.
func (s *Service) Create(ctx context.Context, now time.Time, userID, name string) (Key, string, error) {
	if err := ctx.Err(); err != nil {
		return Key{}, "", err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = defaultName
	}
	if utf8.RuneCountInString(name) > maxNameLen {
		return Key{}, "", fmt.Errorf("%w: name is too long", ErrInvalidInput)
	}

	secret, err := token.NewOpaque(s.keyBytes)
	if err != nil {
		return Key{}, "", err
	}
	raw := KeyPrefix + secret

	id, err := ids.NewULID(now)
	if err != nil {
		return Key{}, "", err
	}
	k := Key{
		ID:        id,
		UserID:    userID,
		Name:      name,
		Prefix:    KeyPrefix + secret[:displayLen],
		KeyHash:   s.hasher.Hash(raw),
		CreatedAt: now,
	}
	if err := s.store.Create(ctx, k); err != nil {
		return Key{}, "", err
	}
	return k, raw, nil
}

// Authenticate resolves a raw key to its owner. The key must be live and the
// owner active and verified. Every failure is ErrRejected.
func (s *Service) Authenticate(ctx context.Context, raw string, now time.Time) (identity.User, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, KeyPrefix) || len(raw) > 256 {
		return s.reject("malformed")
	}

	k, err := s.store.GetByHash(ctx, s.hasher.Hash(raw))
	if err != nil {
		if IsNotFound(err) {
			return s.reject("unknown")
		}
		return identity.User{}, err
	}
	if !k.Active() {
		return s.reject("revoked")
	}

	u, err := s.users.GetByID(ctx, k.UserID)
	if err != nil {
		if identity.IsNotFound(err) {
			return s.reject("owner_missing")
		}
		return identity.User{}, err
	}
	if !u.IsActive || !u.IsVerified {
		return s.reject("owner_inactive")
	}

	if err := s.store.Touch(ctx, k.ID, now); err != nil {
		s.log.Warn("apikey.touch.fail", "err", err, "key_id", k.ID)
	}
	return u, nil
}

func (s *Service) reject(reason string) (identity.User, error) {
	metrics.AuthEvent(metrics.EventAPIKeyReject)
	s.log.Debug("apikey.reject", "reason", reason)
	return identity.User{}, ErrRejected
}

// List returns the keys of userID, newest first.
func (s *Service) List(ctx context.Context, userID string) ([]Key, error) {
	return s.store.ListByUser(ctx, userID)
}

// Revoke disables one key of userID. Revoking twice is a no-op.
func (s *Service) Revoke(ctx context.Context, now time.Time, id, userID string) (bool, error) {
	return s.store.Revoke(ctx, id, userID, now)
}

// RevokeAll disables every live key of userID and returns how many changed.
func (s *Service) RevokeAll(ctx context.Context, now time.Time, userID string) (int64, error) {
	return s.store.RevokeAll(ctx, userID, now)
}

// Delete removes a key of userID.
func (s *Service) Delete(ctx context.Context, id, userID string) error {
	return s.store.Delete(ctx, id, userID)
}
