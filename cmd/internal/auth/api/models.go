package authapi

import "time"

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type resetConfirmRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type apiKeyCreateRequest struct {
	Name string `json:"name"`
}

type userResponse struct {
	ID         string    `json:"id"`
	Email      string    `json:"email"`
	IsVerified bool      `json:"is_verified"`
	CreatedAt  time.Time `json:"created_at"`
}

// sessionResponse never carries tokens; those travel in cookies only.
type sessionResponse struct {
	SessionID        string    `json:"session_id"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	CSRFToken        string    `json:"csrf_token"`
}

type loginResponse struct {
	User    userResponse    `json:"user"`
	Session sessionResponse `json:"session"`
}

type refreshResponse struct {
	Session sessionResponse `json:"session"`
}

type meResponse struct {
	User *userResponse `json:"user"`
}

type confirmResponse struct {
	User             userResponse `json:"user"`
	AlreadyConfirmed bool         `json:"already_confirmed"`
}

type sessionView struct {
	ID         string     `json:"id"`
	State      string     `json:"state"`
	Current    bool       `json:"current"`
	IP         string     `json:"ip,omitempty"`
	UserAgent  string     `json:"user_agent,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  time.Time  `json:"expires_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

type sessionsResponse struct {
	Sessions []sessionView `json:"sessions"`
}

type revokeAllResponse struct {
	Revoked int64 `json:"revoked"`
}

type apiKeyView struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Prefix     string     `json:"prefix"`
	Active     bool       `json:"active"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

type apiKeysResponse struct {
	Keys []apiKeyView `json:"keys"`
}

// apiKeyCreateResponse is the only response that ever carries the raw key.
type apiKeyCreateResponse struct {
	Key    apiKeyView `json:"key"`
	Secret string     `json:"secret"`
}
