package password

import "errors"

// Policy violations. Each maps to exactly one rule so callers can surface a specific reason.
var (
	ErrPasswordTooShort = errors.New("password must be at least 10 characters long")
	ErrPasswordTooLong  = errors.New("password too long")
	ErrMissingDigit     = errors.New("password must contain at least one digit")
	ErrMissingUpper     = errors.New("password must contain at least one uppercase letter")
	ErrMissingLower     = errors.New("password must contain at least one lowercase letter")
	ErrMissingSymbol    = errors.New("password must contain at least one special character")

	ErrInvalidHash = errors.New("invalid password hash")
)
