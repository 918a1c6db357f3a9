package session

import "errors"

var (
	// ErrSessionNotFound is returned when a refresh token (or id) matches no session,
	// or the session belongs to someone else.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExpired is returned when the refresh token's session has expired.
	ErrSessionExpired = errors.New("session expired")

	// ErrSessionRevoked is returned when the session was revoked (logout, revoke-all).
	ErrSessionRevoked = errors.New("session revoked")

	// ErrRefreshReuseDetected is returned when a rotated refresh token is presented
	// again outside the grace window. The lineage has been revoked by the time it returns.
	ErrRefreshReuseDetected = errors.New("refresh token reuse detected")

	// ErrRotationConflict is returned to the loser of a concurrent rotation.
	ErrRotationConflict = errors.New("session already rotated")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)

// IsRejected reports whether err is one of the refresh rejections a client may
// see (as a generic 401).
func IsRejected(err error) bool {
	return errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrSessionExpired) ||
		errors.Is(err, ErrSessionRevoked) ||
		errors.Is(err, ErrRefreshReuseDetected) ||
		errors.Is(err, ErrRotationConflict)
}
