package session

import (
	"context"
	"net"
	"time"
)

// State is the derived lifecycle state of a session row.
type State string

const (
	StateActive  State = "ACTIVE"
	StateRotated State = "ROTATED"
	StateRevoked State = "REVOKED"
	StateExpired State = "EXPIRED"
)

// Revocation reasons stored with terminal rows.
const (
	ReasonRotated   = "rotated"
	ReasonLogout    = "logout"
	ReasonRevoked   = "revoked"
	ReasonRevokeAll = "revoke_all"
	ReasonReuse     = "reuse_detected"
)

// DeviceContext describes the client that owns a session.
type DeviceContext struct {
	UserAgent string
	IP        net.IP
}

// Row mirrors a sessions table row.
type Row struct {
	ID                  string
	UserID              string
	ParentSessionID     *string
	ReplacedBySessionID *string
	RefreshTokenHash    string
	UserAgent           string
	IP                  net.IP
	CreatedAt           time.Time
	LastUsedAt          *time.Time
	ExpiresAt           time.Time
	RevokedAt           *time.Time
	RevocationReason    *string
}

// State derives the lifecycle state at now. Terminal states win over expiry.
func (r Row) State(now time.Time) State {
	switch {
	case r.RevokedAt != nil && r.ReplacedBySessionID != nil:
		return StateRotated
	case r.RevokedAt != nil:
		return StateRevoked
	case !r.ExpiresAt.After(now):
		return StateExpired
	default:
		return StateActive
	}
}

// Store abstracts persistence for session state. Every method is atomic.
type Store interface {
	// Create inserts a new ACTIVE row.
	Create(ctx context.Context, row Row) error

	// GetByID loads a row by id.
	GetByID(ctx context.Context, sessionID string) (Row, error)

	// GetByRefreshHash loads a row by its refresh-token hash.
	GetByRefreshHash(ctx context.Context, refreshHash string) (Row, error)

	// Rotate inserts next (whose ParentSessionID is oldID) and marks oldID ROTATED,
	// only if oldID is still ACTIVE at now. Otherwise nothing is written and
	// ErrRotationConflict is returned.
	Rotate(ctx context.Context, now time.Time, oldID string, next Row) error

	// Revoke moves an ACTIVE row owned by userID to REVOKED. It returns false when
	// the row was already terminal and ErrSessionNotFound when it is absent or not owned.
	Revoke(ctx context.Context, now time.Time, sessionID, userID, reason string) (bool, error)

	// RevokeAll revokes every live row of userID and returns their ids.
	RevokeAll(ctx context.Context, now time.Time, userID, reason string) ([]string, error)

	// RevokeLineage revokes every live row reachable from sessionID through
	// parent and replaced-by links and returns their ids.
	RevokeLineage(ctx context.Context, now time.Time, sessionID, reason string) ([]string, error)

	// ListByUser returns every row of userID, newest first.
	ListByUser(ctx context.Context, userID string) ([]Row, error)
}
