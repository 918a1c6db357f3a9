package identity

import (
	"errors"
	"fmt"
	"time"
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
// Msg may include human-readable context; never secrets.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

// ValidationError reports rejected input. Reason is safe to show to the user.
type ValidationError struct {
	Op     string
	Field  string
	Reason string
	Err    error
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %v: %s: %s", e.Op, ErrInvalidInput, e.Field, e.Reason)
}

func (e ValidationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrInvalidInput}
	}
	return []error{ErrInvalidInput, e.Err}
}

// ConflictError reports a uniqueness conflict for a logical field ("email").
type ConflictError struct {
	Op    string
	Field string
}

func (e ConflictError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %v", e.Op, ErrConflict)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, ErrConflict, e.Field)
}

func (e ConflictError) Unwrap() error { return ErrConflict }

// NotFoundError reports a missing row.
type NotFoundError struct {
	Op       string
	Resource string
}

func (e NotFoundError) Error() string {
	if e.Resource == "" {
		return fmt.Sprintf("%s: %v", e.Op, ErrNotFound)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, ErrNotFound, e.Resource)
}

func (e NotFoundError) Unwrap() error { return ErrNotFound }

// CooldownError rejects a repeated request inside its cooldown window.
type CooldownError struct {
	Op         string
	RetryAfter time.Duration
}

func (e CooldownError) Error() string {
	return fmt.Sprintf("%s: %v: retry after %s", e.Op, ErrCooldown, e.RetryAfter.Round(time.Second))
}

func (e CooldownError) Unwrap() error { return ErrCooldown }

func unauthorized(op, msg string) error {
	return OpError{Op: op, Kind: ErrUnauthorized, Msg: msg}
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var ce ConflictError
	return errors.As(err, &ce)
}

// IsNotFound reports whether err represents ErrNotFound (including NotFoundError).
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsInvalidInput reports whether err represents ErrInvalidInput.
func IsInvalidInput(err error) bool { return errors.Is(err, ErrInvalidInput) }

// IsUnauthorized reports whether err represents ErrUnauthorized.
func IsUnauthorized(err error) bool { return errors.Is(err, ErrUnauthorized) }

// IsCooldown reports whether err represents ErrCooldown.
func IsCooldown(err error) bool { return errors.Is(err, ErrCooldown) }

// ValidationReason extracts the user-facing reason from a ValidationError.
func ValidationReason(err error) (string, bool) {
	var ve ValidationError
	if errors.As(err, &ve) {
		return ve.Reason, true
	}
	return "", false
}
