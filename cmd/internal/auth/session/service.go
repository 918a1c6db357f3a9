package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"otpvault/cmd/identity/ids"
	"otpvault/cmd/internal/metrics"
	"otpvault/cmd/security/token"
)

// AccessIssuer mints access tokens bound to a session id.
type AccessIssuer interface {
	IssueAccess(userID, sessionID string, now time.Time) (string, time.Time, error)
}

// Denylist receives the ids of sessions that just became terminal, so access
// tokens already handed out for them stop working before they expire.
type Denylist interface {
	Add(ctx context.Context, sessionIDs ...string) error
}

// Issued is the result of creating or rotating a session.
type Issued struct {
	SessionID    string
	UserID       string
	AccessToken  string
	AccessExp    time.Time
	RefreshToken string
	RefreshExp   time.Time
}

// View is a session row with its derived state, for listings.
type View struct {
	Row
	State State
}

// Service implements the session state machine.
type Service struct {
	cfg      Config
	store    Store
	tokens   AccessIssuer
	hasher   token.Hasher
	denylist Denylist
	log      *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithDenylist publishes revocations to d.
func WithDenylist(d Denylist) Option { return func(s *Service) { s.denylist = d } }

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }

// NewService constructs a Service.
func NewService(cfg Config, store Store, tokens AccessIssuer, hasher token.Hasher, opts ...Option) *Service {
	s := &Service{cfg: cfg, store: store, tokens: tokens, hasher: hasher, log: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Create starts a new lineage for userID. This is the only way a session
// becomes ACTIVE without a predecessor.
func (s *Service) Create(ctx context.Context, now time.Time, userID string, dev DeviceContext) (Issued, error) {
	row, refreshPlain, err := s.newRow(now, userID, dev)
	if err != nil {
		return Issued{}, err
	}
	if err := s.store.Create(ctx, row); err != nil {
		return Issued{}, err
	}
	return s.issue(row, refreshPlain, now)
}

// Rotate exchanges a refresh token for a new session and token pair.
//
// The presented token is looked up by hash; that lookup is the mandatory
// cross-check. A token whose row is ROTATED is reuse: inside ReuseGrace it is
// the loser of a concurrent refresh and is simply rejected; after it, the whole
// lineage is revoked and ErrRefreshReuseDetected is returned.
func (s *Service) Rotate(ctx context.Context, now time.Time, refreshPlain string, dev DeviceContext) (Issued, error) {
	refreshPlain = strings.TrimSpace(refreshPlain)
	if refreshPlain == "" || len(refreshPlain) > 512 {
		return Issued{}, ErrSessionNotFound
	}

	row, err := s.store.GetByRefreshHash(ctx, s.hasher.Hash(refreshPlain))
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			metrics.AuthEvent(metrics.EventRefreshReject)
		}
		return Issued{}, err
	}

	switch row.State(now) {
	case StateRotated:
		if s.cfg.ReuseGrace > 0 && now.Sub(*row.RevokedAt) <= s.cfg.ReuseGrace {
			metrics.AuthEvent(metrics.EventRefreshReject)
			return Issued{}, ErrRotationConflict
		}
		s.escalateReuse(ctx, now, row)
		return Issued{}, ErrRefreshReuseDetected
	case StateRevoked:
		metrics.AuthEvent(metrics.EventRefreshReject)
		return Issued{}, ErrSessionRevoked
	case StateExpired:
		metrics.AuthEvent(metrics.EventRefreshReject)
		return Issued{}, ErrSessionExpired
	}

	next, nextPlain, err := s.newRow(now, row.UserID, dev)
	if err != nil {
		return Issued{}, err
	}
	parent := row.ID
	next.ParentSessionID = &parent

	if err := s.store.Rotate(ctx, now, row.ID, next); err != nil {
		if errors.Is(err, ErrRotationConflict) {
			metrics.AuthEvent(metrics.EventRefreshReject)
		}
		return Issued{}, err
	}

	s.publish(ctx, row.ID)
	metrics.AuthEvent(metrics.EventRefreshSuccess)
	return s.issue(next, nextPlain, now)
}

func (s *Service) escalateReuse(ctx context.Context, now time.Time, row Row) {
	var (
		revoked []string
		err     error
	)
	if s.cfg.ReuseRevokesAll {
		revoked, err = s.store.RevokeAll(ctx, now, row.UserID, ReasonReuse)
	} else {
		revoked, err = s.store.RevokeLineage(ctx, now, row.ID, ReasonReuse)
	}
	metrics.AuthEvent(metrics.EventRefreshReuse)
	if err != nil {
		s.log.ErrorContext(ctx, "session.rotate.reuse_revoke.fail",
			"user_id", row.UserID, "session_id", row.ID, "err", err)
		return
	}
	s.log.WarnContext(ctx, "session.rotate.reuse_detected",
		"user_id", row.UserID, "session_id", row.ID, "revoked", len(revoked))
	s.publish(ctx, revoked...)
}

// Revoke ends one session owned by userID. It returns true when the session was
// ACTIVE and false when it was already terminal (idempotent no-op).
// Sessions of other users read as ErrSessionNotFound.
func (s *Service) Revoke(ctx context.Context, now time.Time, sessionID, userID string) (bool, error) {
	changed, err := s.store.Revoke(ctx, now, sessionID, userID, ReasonRevoked)
	if err != nil {
		return false, err
	}
	if changed {
		metrics.AuthEvent(metrics.EventRevoke)
		s.publish(ctx, sessionID)
	}
	return changed, nil
}

// Logout revokes the caller's current session.
func (s *Service) Logout(ctx context.Context, now time.Time, sessionID, userID string) error {
	changed, err := s.store.Revoke(ctx, now, sessionID, userID, ReasonLogout)
	if err != nil {
		return err
	}
	if changed {
		s.publish(ctx, sessionID)
	}
	return nil
}

// RevokeAll ends every live session of userID and returns how many were live.
func (s *Service) RevokeAll(ctx context.Context, now time.Time, userID string) (int64, error) {
	revoked, err := s.store.RevokeAll(ctx, now, userID, ReasonRevokeAll)
	if err != nil {
		return 0, err
	}
	metrics.AuthEvent(metrics.EventRevokeAll)
	s.publish(ctx, revoked...)
	return int64(len(revoked)), nil
}

// Get loads a session row.
func (s *Service) Get(ctx context.Context, sessionID string) (Row, error) {
	return s.store.GetByID(ctx, sessionID)
}

// List returns userID's sessions with their state at now.
func (s *Service) List(ctx context.Context, now time.Time, userID string) ([]View, error) {
	rows, err := s.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]View, 0, len(rows))
	for _, r := range rows {
		out = append(out, View{Row: r, State: r.State(now)})
	}
	return out, nil
}

func (s *Service) newRow(now time.Time, userID string, dev DeviceContext) (Row, string, error) {
	id, err := ids.NewULID(now)
	if err != nil {
		return Row{}, "", err
	}
	plain, hash, err := newOpaqueRefreshToken(s.cfg.RefreshTokenBytes, s.hasher)
	if err != nil {
		return Row{}, "", err
	}
	return Row{
		ID:               id,
		UserID:           userID,
		RefreshTokenHash: hash,
		UserAgent:        dev.UserAgent,
		IP:               dev.IP,
		CreatedAt:        now,
		ExpiresAt:        now.Add(s.cfg.RefreshTTL),
	}, plain, nil
}

func (s *Service) issue(row Row, refreshPlain string, now time.Time) (Issued, error) {
	access, accessExp, err := s.tokens.IssueAccess(row.UserID, row.ID, now)
	if err != nil {
		return Issued{}, err
	}
	return Issued{
		SessionID:    row.ID,
		UserID:       row.UserID,
		AccessToken:  access,
		AccessExp:    accessExp,
		RefreshToken: refreshPlain,
		RefreshExp:   row.ExpiresAt,
	}, nil
}

func (s *Service) publish(ctx context.Context, sessionIDs ...string) {
	if s.denylist == nil || len(sessionIDs) == 0 {
		return
	}
	if err := s.denylist.Add(ctx, sessionIDs...); err != nil {
		s.log.ErrorContext(ctx, "session.denylist.publish.fail", "count", len(sessionIDs), "err", err)
	}
}
