package authapi

import (
	"otpvault/cmd/identity"
	"otpvault/cmd/internal/apikey"
	"otpvault/cmd/internal/auth/session"
)

func toUserResponse(u identity.User) userResponse {
	return userResponse{
		ID:         u.ID,
		Email:      u.Email,
		IsVerified: u.IsVerified,
		CreatedAt:  u.CreatedAt,
	}
}

func toSessionResponse(issued session.Issued, csrf string) sessionResponse {
	return sessionResponse{
		SessionID:        issued.SessionID,
		AccessExpiresAt:  issued.AccessExp,
		RefreshExpiresAt: issued.RefreshExp,
		CSRFToken:        csrf,
	}
}

func toSessionView(v session.View, currentID string) sessionView {
	out := sessionView{
		ID:         v.ID,
		State:      string(v.State),
		Current:    v.ID == currentID,
		UserAgent:  v.UserAgent,
		CreatedAt:  v.CreatedAt,
		LastUsedAt: v.LastUsedAt,
		ExpiresAt:  v.ExpiresAt,
		RevokedAt:  v.RevokedAt,
	}
	if v.IP != nil {
		out.IP = v.IP.String()
	}
	return out
}

func toAPIKeyView(k apikey.Key) apiKeyView {
	return apiKeyView{
		ID:         k.ID,
		Name:       k.Name,
		Prefix:     k.Prefix,
		Active:     k.Active(),
		CreatedAt:  k.CreatedAt,
		LastUsedAt: k.LastUsedAt,
		RevokedAt:  k.RevokedAt,
	}
}
