package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"otpvault/cmd/internal/auth/session"
	"otpvault/cmd/security/token"
)

// CookieConfig describes the browser cookies that carry a session.
type CookieConfig struct {
	AccessName  string
	RefreshName string
	CSRFName    string
	CSRFHeader  string

	Path     string
	Domain   string
	Secure   bool
	SameSite http.SameSite
}

// DefaultCookieConfig returns the production cookie settings.
func DefaultCookieConfig() CookieConfig {
	return CookieConfig{
		AccessName:  "access_token",
		RefreshName: "refresh_token",
		CSRFName:    "csrf_token",
		CSRFHeader:  "X-CSRF-Token",
		Path:        "/",
		Secure:      true,
		SameSite:    http.SameSiteLaxMode,
	}
}

// SetSession writes the access, refresh and CSRF cookies for an issued
// token pair and returns the CSRF value.
func (c CookieConfig) SetSession(w http.ResponseWriter, issued session.Issued) (string, error) {
	csrf, err := token.NewOpaque(32)
	if err != nil {
		return "", err
	}
	c.set(w, c.AccessName, issued.AccessToken, issued.AccessExp, true)
	c.set(w, c.RefreshName, issued.RefreshToken, issued.RefreshExp, true)
	c.set(w, c.CSRFName, csrf, issued.RefreshExp, false)
	return csrf, nil
}

// Clear expires every session cookie.
func (c CookieConfig) Clear(w http.ResponseWriter) {
	c.expire(w, c.AccessName, true)
	c.expire(w, c.RefreshName, true)
	c.expire(w, c.CSRFName, false)
}

// AccessToken returns the access cookie value, if any.
func (c CookieConfig) AccessToken(r *http.Request) (string, bool) {
	return cookieValue(r, c.AccessName)
}

// RefreshToken returns the refresh cookie value, if any.
func (c CookieConfig) RefreshToken(r *http.Request) (string, bool) {
	return cookieValue(r, c.RefreshName)
}

// CSRFValid reports whether the CSRF cookie matches the CSRF header
// (double-submit check).
func (c CookieConfig) CSRFValid(r *http.Request) bool {
	cv, ok := cookieValue(r, c.CSRFName)
	if !ok {
		return false
	}
	hv := strings.TrimSpace(r.Header.Get(c.CSRFHeader))
	return secureStringEqual(cv, hv)
}

func (c CookieConfig) set(w http.ResponseWriter, name, value string, exp time.Time, httpOnly bool) {
	if w == nil || strings.TrimSpace(name) == "" {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     c.Path,
		Domain:   c.Domain,
		Expires:  exp,
		HttpOnly: httpOnly,
		Secure:   c.Secure,
		SameSite: c.SameSite,
	})
}

func (c CookieConfig) expire(w http.ResponseWriter, name string, httpOnly bool) {
	if w == nil || strings.TrimSpace(name) == "" {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     c.Path,
		Domain:   c.Domain,
		Expires:  time.Unix(0, 0).UTC(),
		MaxAge:   -1,
		HttpOnly: httpOnly,
		Secure:   c.Secure,
		SameSite: c.SameSite,
	})
}

func cookieValue(r *http.Request, name string) (string, bool) {
	if r == nil || name == "" {
		return "", false
	}
	ck, err := r.Cookie(name)
	if err != nil {
		return "", false
	}
	v := strings.TrimSpace(ck.Value)
	if v == "" {
		return "", false
	}
	return v, true
}

func secureStringEqual(a, b string) bool {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
