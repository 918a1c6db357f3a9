package password

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Symbols is the fixed punctuation set accepted by the symbol rule.
const Symbols = `!@#$%^&*(),._?":{}|<>`

// Validate checks password against the policy and returns the first violated rule.
func (c Config) Validate(password string) error {
	n := utf8.RuneCountInString(password)

	if n < c.Policy.MinLength {
		if c.Policy.MinLength != DefaultMinLength {
			return fmt.Errorf("%w (minimum %d)", ErrPasswordTooShort, c.Policy.MinLength)
		}
		return ErrPasswordTooShort
	}
	if c.Policy.MaxLength > 0 && n > c.Policy.MaxLength {
		return ErrPasswordTooLong
	}

	var digit, upper, lower, symbol bool
	for _, r := range password {
		switch {
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case strings.ContainsRune(Symbols, r):
			symbol = true
		}
	}

	switch {
	case c.Policy.RequireDigit && !digit:
		return ErrMissingDigit
	case c.Policy.RequireUpper && !upper:
		return ErrMissingUpper
	case c.Policy.RequireLower && !lower:
		return ErrMissingLower
	case c.Policy.RequireSymbol && !symbol:
		return ErrMissingSymbol
	}
	return nil
}
