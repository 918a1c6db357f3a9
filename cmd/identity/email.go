package identity

import (
	"net/mail"
	"strings"
)

const maxEmailLength = 256

// NormalizeEmail trims surrounding whitespace. Case is preserved: addresses are
// matched exactly as stored.
func NormalizeEmail(s string) string {
	return strings.TrimSpace(s)
}

// EmailPolicy validates address shape and an optional domain allow-list.
type EmailPolicy struct {
	// AllowedDomains, when non-empty, restricts registration to these domains
	// (compared case-insensitively).
	AllowedDomains []string
}

// Validate returns a user-facing reason, or "" when email is acceptable.
func (p EmailPolicy) Validate(email string) string {
	if email == "" {
		return "email is required"
	}
	if len(email) > maxEmailLength {
		return "email is too long"
	}

	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || addr.Name != "" {
		return "email is not a valid address"
	}

	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" || strings.Contains(domain, "@") {
		return "email is not a valid address"
	}
	if !strings.Contains(domain, ".") || strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return "email domain is not valid"
	}

	if len(p.AllowedDomains) > 0 {
		allowed := false
		for _, d := range p.AllowedDomains {
			if strings.EqualFold(strings.TrimSpace(d), domain) {
				allowed = true
				break
			}
		}
		if !allowed {
			return "email domain is not allowed"
		}
	}
	return ""
}
