package realtime

import (
	"time"

	"otpvault/cmd/identity/ids"
)

// NewStreamID returns a ULID naming one websocket stream in logs.
func NewStreamID(now time.Time) string {
	id, err := ids.NewULID(now)
	if err != nil {
		return "unknown"
	}
	return id
}
