package tokens

import "errors"

var (
	// ErrExpired is returned for a correctly signed token whose exp has passed.
	// Callers may react (e.g. attempt a refresh); clients must never see the difference.
	ErrExpired = errors.New("token expired")

	// ErrInvalid covers bad signature, malformed input, wrong algorithm, wrong
	// issuer and type mismatch.
	ErrInvalid = errors.New("token invalid")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid token config")
)
