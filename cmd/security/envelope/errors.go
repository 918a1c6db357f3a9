package envelope

import (
	"errors"
	"fmt"
)

var (
	// ErrEnvelope is the kind shared by every envelope failure.
	ErrEnvelope = errors.New("envelope error")

	// ErrMasterKeyMissing is returned when no master key was supplied.
	ErrMasterKeyMissing = errors.New("master key missing")

	// ErrMalformed is returned for ciphertext that is not in the stored format.
	ErrMalformed = errors.New("malformed ciphertext")

	// ErrAuthFailed is returned when GCM authentication fails (wrong key or tampering).
	ErrAuthFailed = errors.New("ciphertext authentication failed")
)

// Error is the typed envelope failure. It matches both ErrEnvelope and the cause.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("envelope.%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() []error { return []error{ErrEnvelope, e.Err} }

// IsEnvelopeError reports whether err originated in this package.
func IsEnvelopeError(err error) bool { return errors.Is(err, ErrEnvelope) }

func opErr(op string, err error) error { return &Error{Op: op, Err: err} }
