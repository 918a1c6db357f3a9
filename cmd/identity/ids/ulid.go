// Package ids provides the identifier primitives shared by the vault stores.
package ids

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars). Used for rows that benefit from
// time ordering: sessions, API keys, TOTP items.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewUUID returns a random (v4) UUID string. Used for user ids and single-use token ids.
func NewUUID() string { return uuid.NewString() }

// IsUUID reports whether s parses as a UUID.
func IsUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
