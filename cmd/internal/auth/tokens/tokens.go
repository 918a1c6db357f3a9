package tokens

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Type discriminates token purposes.
type Type string

const (
	TypeAccess        Type = "access"
	TypeEmailConfirm  Type = "email_confirm"
	TypePasswordReset Type = "password_reset"
)

// maxTokenLen bounds parser work on hostile input.
const maxTokenLen = 4096

// Claims is the JWT payload for every token type.
type Claims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid,omitempty"`
	ResetID   string `json:"rid,omitempty"`
	Type      Type   `json:"type"`
}

// AccessClaims is the minimal identity envelope propagated across HTTP/WS.
type AccessClaims struct {
	UserID    string
	SessionID string
	ExpiresAt time.Time
	IssuedAt  time.Time
}

// Service signs and verifies tokens. It is safe for concurrent use.
type Service struct {
	cfg Config
}

// NewService validates cfg and returns a Service.
func NewService(cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	secret := make([]byte, len(cfg.Secret))
	copy(secret, cfg.Secret)
	cfg.Secret = secret
	return &Service{cfg: cfg}, nil
}

// AccessTTL returns the configured access-token lifetime.
func (s *Service) AccessTTL() time.Duration { return s.cfg.AccessTTL }

// IssueAccess signs {sub, sid, exp, type=access}.
func (s *Service) IssueAccess(userID, sessionID string, now time.Time) (string, time.Time, error) {
	exp := now.Add(s.cfg.AccessTTL)
	tok, err := s.sign(Claims{
		RegisteredClaims: s.registered(userID, now, exp),
		SessionID:        sessionID,
		Type:             TypeAccess,
	})
	return tok, exp, err
}

// VerifyAccess returns ErrExpired for a lapsed but otherwise valid token and
// ErrInvalid for everything else.
func (s *Service) VerifyAccess(token string, now time.Time) (AccessClaims, error) {
	c, err := s.parse(token, TypeAccess, now)
	if err != nil {
		return AccessClaims{}, err
	}
	if c.SessionID == "" {
		return AccessClaims{}, ErrInvalid
	}

	out := AccessClaims{UserID: c.Subject, SessionID: c.SessionID}
	if c.ExpiresAt != nil {
		out.ExpiresAt = c.ExpiresAt.Time
	}
	if c.IssuedAt != nil {
		out.IssuedAt = c.IssuedAt.Time
	}
	return out, nil
}

// IssueEmailConfirmation signs a confirmation token for userID.
func (s *Service) IssueEmailConfirmation(userID string, now time.Time) (string, error) {
	return s.sign(Claims{
		RegisteredClaims: s.registered(userID, now, now.Add(s.cfg.ConfirmTTL)),
		Type:             TypeEmailConfirm,
	})
}

// VerifyEmailConfirmation returns the token's user id.
func (s *Service) VerifyEmailConfirmation(token string, now time.Time) (string, error) {
	c, err := s.parse(token, TypeEmailConfirm, now)
	if err != nil {
		return "", err
	}
	return c.Subject, nil
}

// IssuePasswordReset signs a reset token carrying resetID. The signature alone
// is not sufficient: the Credential Store also matches resetID against the user row.
func (s *Service) IssuePasswordReset(userID, resetID string, now time.Time) (string, error) {
	return s.sign(Claims{
		RegisteredClaims: s.registered(userID, now, now.Add(s.cfg.ResetTTL)),
		ResetID:          resetID,
		Type:             TypePasswordReset,
	})
}

// VerifyPasswordReset returns the user id and reset id.
func (s *Service) VerifyPasswordReset(token string, now time.Time) (string, string, error) {
	c, err := s.parse(token, TypePasswordReset, now)
	if err != nil {
		return "", "", err
	}
	if c.ResetID == "" {
		return "", "", ErrInvalid
	}
	return c.Subject, c.ResetID, nil
}

func (s *Service) registered(sub string, now, exp time.Time) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Issuer:    s.cfg.Issuer,
		Subject:   sub,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
}

func (s *Service) sign(c Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.cfg.Secret)
}

func (s *Service) parse(token string, want Type, now time.Time) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" || len(token) > maxTokenLen {
		return Claims{}, ErrInvalid
	}

	var c Claims
	_, err := jwt.ParseWithClaims(token, &c,
		func(*jwt.Token) (any, error) { return s.cfg.Secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(s.cfg.ClockSkew),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired) && c.Type == want:
		// Signature is checked before claims, so this token was genuinely ours.
		return Claims{}, ErrExpired
	default:
		return Claims{}, ErrInvalid
	}

	if c.Type != want || c.Subject == "" {
		return Claims{}, ErrInvalid
	}
	return c, nil
}
