package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"otpvault/cmd/identity/ids"
	"otpvault/cmd/security/envelope"
	"otpvault/cmd/security/password"
)

// ActionTokens issues and verifies the signed single-purpose tokens mailed to users.
type ActionTokens interface {
	IssueEmailConfirmation(userID string, now time.Time) (string, error)
	VerifyEmailConfirmation(token string, now time.Time) (userID string, err error)
	IssuePasswordReset(userID, resetID string, now time.Time) (string, error)
	VerifyPasswordReset(token string, now time.Time) (userID, resetID string, err error)
}

// SessionRevoker ends every live session of a user after a credential change.
type SessionRevoker interface {
	RevokeAll(ctx context.Context, now time.Time, userID string) (int64, error)
}

// Notifier delivers account emails. Calls happen after the state change is committed.
type Notifier interface {
	SendConfirmation(ctx context.Context, email, token string) error
	SendPasswordReset(ctx context.Context, email, token string) error
}

// Config holds the Credential Store policy knobs.
type Config struct {
	Email         EmailPolicy
	Password      password.Config
	ResetCooldown time.Duration
}

// DefaultConfig returns production defaults (1 minute reset cooldown).
func DefaultConfig() Config {
	return Config{
		Password:      password.DefaultConfig(),
		ResetCooldown: time.Minute,
	}
}

// Service implements user lifecycle: registration, login checks, confirmation,
// password reset and password change.
type Service struct {
	cfg      Config
	store    Store
	keys     *envelope.Manager
	tokens   ActionTokens
	sessions SessionRevoker
	notifier Notifier
	log      *slog.Logger
	now      func() time.Time

	// dummyHash keeps unknown-email logins as slow as wrong-password ones.
	dummyHash string
}

// Option configures a Service.
type Option func(*Service)

// WithSessionRevoker wires session revocation for password change and reset.
func WithSessionRevoker(r SessionRevoker) Option { return func(s *Service) { s.sessions = r } }

// WithNotifier wires the email sink.
func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifier = n } }

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService constructs a Service. keys and tokens are required.
func NewService(cfg Config, store Store, keys *envelope.Manager, tokens ActionTokens, opts ...Option) (*Service, error) {
	if store == nil || keys == nil || tokens == nil {
		return nil, errors.New("identity: store, envelope manager and tokens are required")
	}
	if cfg.ResetCooldown < 0 {
		return nil, errors.New("identity: negative reset cooldown")
	}

	s := &Service{
		cfg:    cfg,
		store:  store,
		keys:   keys,
		tokens: tokens,
		log:    slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	h, err := cfg.Password.Hash("dummy-password-for-timing")
	if err != nil {
		return nil, fmt.Errorf("identity: dummy hash: %w", err)
	}
	s.dummyHash = h
	return s, nil
}

// CreateUser registers an unverified account with a freshly wrapped DEK and
// mails a confirmation token.
func (s *Service) CreateUser(ctx context.Context, email, plain string) (User, error) {
	const op = "identity.CreateUser"

	email = NormalizeEmail(email)
	if reason := s.cfg.Email.Validate(email); reason != "" {
		return User{}, ValidationError{Op: op, Field: "email", Reason: reason}
	}
	if err := s.cfg.Password.Validate(plain); err != nil {
		return User{}, ValidationError{Op: op, Field: "password", Reason: err.Error(), Err: err}
	}

	hash, err := s.cfg.Password.Hash(plain)
	if err != nil {
		return User{}, fmt.Errorf("%s: hash: %w", op, err)
	}
	dek, err := s.keys.WrapNewUserKey()
	if err != nil {
		return User{}, fmt.Errorf("%s: %w", op, err)
	}

	now := s.now()
	u := User{
		ID:           ids.NewUUID(),
		Email:        email,
		PasswordHash: hash,
		IsActive:     true,
		IsVerified:   false,
		EncryptedDEK: dek,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return User{}, err
	}

	s.sendConfirmation(ctx, u, now)
	return u, nil
}

// VerifyCredentials checks email+password for login. Every failure is reported
// as ErrUnauthorized; the log carries the real reason.
func (s *Service) VerifyCredentials(ctx context.Context, email, plain string) (User, error) {
	const op = "identity.VerifyCredentials"

	email = NormalizeEmail(email)
	u, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if !IsNotFound(err) {
			return User{}, err
		}
		_, _ = s.cfg.Password.Verify(s.dummyHash, plain)
		return User{}, unauthorized(op, "invalid credentials")
	}

	ok, err := s.cfg.Password.Verify(u.PasswordHash, plain)
	if err != nil {
		s.log.ErrorContext(ctx, "identity.verify.bad_hash", "user_id", u.ID, "err", err)
		return User{}, unauthorized(op, "invalid credentials")
	}
	if !ok {
		return User{}, unauthorized(op, "invalid credentials")
	}
	if !u.IsActive {
		return User{}, OpError{Op: op, Kind: ErrUnauthorized, Msg: "account inactive"}
	}
	if !u.IsVerified {
		return User{}, OpError{Op: op, Kind: ErrUnauthorized, Msg: "account not verified"}
	}

	if s.cfg.Password.NeedsRehash(u.PasswordHash) {
		if h, err := s.cfg.Password.Hash(plain); err == nil {
			if err := s.store.UpdatePasswordHash(ctx, u.ID, h, s.now()); err != nil {
				s.log.WarnContext(ctx, "identity.verify.rehash.fail", "user_id", u.ID, "err", err)
			} else {
				u.PasswordHash = h
			}
		}
	}
	return u, nil
}

// ConfirmEmail marks the token's user verified. A second call for the same user
// succeeds with alreadyConfirmed=true.
func (s *Service) ConfirmEmail(ctx context.Context, token string) (u User, alreadyConfirmed bool, err error) {
	const op = "identity.ConfirmEmail"

	now := s.now()
	userID, err := s.tokens.VerifyEmailConfirmation(strings.TrimSpace(token), now)
	if err != nil {
		return User{}, false, unauthorized(op, "invalid confirmation token")
	}

	changed, err := s.store.MarkVerified(ctx, userID, now)
	if err != nil {
		if IsNotFound(err) {
			return User{}, false, unauthorized(op, "invalid confirmation token")
		}
		return User{}, false, err
	}

	u, err = s.store.GetUserByID(ctx, userID)
	if err != nil {
		return User{}, false, err
	}
	return u, !changed, nil
}

// ResendConfirmation mails a new confirmation token. Unknown or already verified
// addresses are accepted silently so callers cannot probe for accounts.
func (s *Service) ResendConfirmation(ctx context.Context, email string) error {
	u, err := s.store.GetUserByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return err
	}
	if u.IsVerified || !u.IsActive {
		return nil
	}
	s.sendConfirmation(ctx, u, s.now())
	return nil
}

// RequestPasswordReset stores a fresh reset id and mails a reset token.
// Unknown emails succeed silently. A repeat inside the cooldown returns CooldownError.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	const op = "identity.RequestPasswordReset"

	u, err := s.store.GetUserByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return err
	}
	if !u.IsActive {
		return nil
	}

	now := s.now()
	resetID := ids.NewUUID()
	ok, err := s.store.SetResetToken(ctx, u.ID, resetID, now, now.Add(-s.cfg.ResetCooldown))
	if err != nil {
		return err
	}
	if !ok {
		retry := s.cfg.ResetCooldown
		if fresh, err := s.store.GetUserByID(ctx, u.ID); err == nil && fresh.ResetRequestedAt != nil {
			retry = fresh.ResetRequestedAt.Add(s.cfg.ResetCooldown).Sub(now)
		}
		return CooldownError{Op: op, RetryAfter: max(retry, time.Second)}
	}

	tok, err := s.tokens.IssuePasswordReset(u.ID, resetID, now)
	if err != nil {
		return fmt.Errorf("%s: issue token: %w", op, err)
	}
	if s.notifier != nil {
		if err := s.notifier.SendPasswordReset(ctx, u.Email, tok); err != nil {
			s.log.ErrorContext(ctx, "identity.reset.notify.fail", "user_id", u.ID, "err", err)
		}
	}
	return nil
}

// ResetPassword consumes a reset token. The token's reset id must equal the one
// stored on the user, so only the latest mailed token works and only once.
// Success also marks the account verified and revokes every session.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) (User, error) {
	const op = "identity.ResetPassword"

	now := s.now()
	userID, resetID, err := s.tokens.VerifyPasswordReset(strings.TrimSpace(token), now)
	if err != nil {
		return User{}, unauthorized(op, "invalid reset token")
	}
	if err := s.cfg.Password.Validate(newPassword); err != nil {
		return User{}, ValidationError{Op: op, Field: "password", Reason: err.Error(), Err: err}
	}

	hash, err := s.cfg.Password.Hash(newPassword)
	if err != nil {
		return User{}, fmt.Errorf("%s: hash: %w", op, err)
	}

	ok, err := s.store.ConsumeResetToken(ctx, userID, resetID, hash, now)
	if err != nil {
		if IsNotFound(err) {
			return User{}, unauthorized(op, "invalid reset token")
		}
		return User{}, err
	}
	if !ok {
		return User{}, unauthorized(op, "reset token already used or superseded")
	}

	s.revokeAll(ctx, now, userID)
	return s.store.GetUserByID(ctx, userID)
}

// ChangePassword replaces the password after checking the current one, then
// revokes every session of the user.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	const op = "identity.ChangePassword"

	u, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	ok, err := s.cfg.Password.Verify(u.PasswordHash, current)
	if err != nil || !ok {
		return ValidationError{Op: op, Field: "current_password", Reason: "current password is incorrect"}
	}
	if err := s.cfg.Password.Validate(next); err != nil {
		return ValidationError{Op: op, Field: "new_password", Reason: err.Error(), Err: err}
	}

	hash, err := s.cfg.Password.Hash(next)
	if err != nil {
		return fmt.Errorf("%s: hash: %w", op, err)
	}
	now := s.now()
	if err := s.store.UpdatePasswordHash(ctx, userID, hash, now); err != nil {
		return err
	}
	s.revokeAll(ctx, now, userID)
	return nil
}

// GetByID loads a user.
func (s *Service) GetByID(ctx context.Context, id string) (User, error) {
	return s.store.GetUserByID(ctx, id)
}

// GetByEmail loads a user by exact email.
func (s *Service) GetByEmail(ctx context.Context, email string) (User, error) {
	return s.store.GetUserByEmail(ctx, NormalizeEmail(email))
}

// UnwrapDEK returns the user's data key.
func (s *Service) UnwrapDEK(u User) (envelope.DEK, error) {
	return s.keys.Unwrap(u.EncryptedDEK)
}

func (s *Service) sendConfirmation(ctx context.Context, u User, now time.Time) {
	if s.notifier == nil {
		return
	}
	tok, err := s.tokens.IssueEmailConfirmation(u.ID, now)
	if err != nil {
		s.log.ErrorContext(ctx, "identity.confirm.issue.fail", "user_id", u.ID, "err", err)
		return
	}
	if err := s.notifier.SendConfirmation(ctx, u.Email, tok); err != nil {
		s.log.ErrorContext(ctx, "identity.confirm.notify.fail", "user_id", u.ID, "err", err)
	}
}

// revokeAll runs after the credential change is committed; failure is logged,
// never rolled back.
func (s *Service) revokeAll(ctx context.Context, now time.Time, userID string) {
	if s.sessions == nil {
		return
	}
	n, err := s.sessions.RevokeAll(ctx, now, userID)
	if err != nil {
		s.log.ErrorContext(ctx, "identity.revoke_all.fail", "user_id", userID, "err", err)
		return
	}
	s.log.InfoContext(ctx, "identity.revoke_all", "user_id", userID, "revoked", n)
}

// ConfigFromEnv reads VAULT_EMAIL_ALLOWED_DOMAINS, VAULT_RESET_COOLDOWN and the
// password settings.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	pw, err := password.FromEnv()
	if err != nil {
		return Config{}, err
	}
	cfg.Password = pw

	if raw := strings.TrimSpace(os.Getenv("VAULT_EMAIL_ALLOWED_DOMAINS")); raw != "" {
		for _, d := range strings.Split(raw, ",") {
			if d = strings.TrimSpace(d); d != "" {
				cfg.Email.AllowedDomains = append(cfg.Email.AllowedDomains, d)
			}
		}
	}
	if raw := strings.TrimSpace(os.Getenv("VAULT_RESET_COOLDOWN")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			return Config{}, fmt.Errorf("identity: invalid VAULT_RESET_COOLDOWN %q", raw)
		}
		cfg.ResetCooldown = d
	}
	return cfg, nil
}
