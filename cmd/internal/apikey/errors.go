package apikey

import (
	"errors"
	"fmt"

	"otpvault/cmd/identity"
)

var (
	ErrInvalidInput = fmt.Errorf("invalid api key input: %w", identity.ErrInvalidInput)
	ErrNotFound     = fmt.Errorf("api key not found: %w", identity.ErrNotFound)

	// ErrRejected is the single failure returned by Authenticate. It matches
	// identity.ErrUnauthorized so the HTTP layer maps it to a generic 401.
	ErrRejected = fmt.Errorf("api key rejected: %w", identity.ErrUnauthorized)
)

// IsNotFound reports whether err is a missing (or foreign) key.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
