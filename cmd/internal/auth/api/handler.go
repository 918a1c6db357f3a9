// Package authapi serves the account, session and API-key endpoints under /auth.
package authapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"otpvault/cmd/identity"
	"otpvault/cmd/internal/apikey"
	"otpvault/cmd/internal/auth/gateway"
	"otpvault/cmd/internal/auth/session"
	"otpvault/cmd/internal/metrics"
)

// Handler wires HTTP auth endpoints to the identity, session and API-key services.
type Handler struct {
	log *slog.Logger
	cfg Config

	users    *identity.Service
	sessions *session.Service
	gw       *gateway.Gateway
	apiKeys  *apikey.Service

	now func() time.Time
}

// HandlerOption configures optional auth handler dependencies.
type HandlerOption func(*Handler)

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		if h != nil && now != nil {
			h.now = now
		}
	}
}

// NewHandler constructs an auth Handler. Every service is required.
func NewHandler(log *slog.Logger, cfg Config, users *identity.Service, sessions *session.Service, gw *gateway.Gateway, apiKeys *apikey.Service, opts ...HandlerOption) (*Handler, error) {
	if users == nil || sessions == nil || gw == nil || apiKeys == nil {
		return nil, errors.New("authapi: users, sessions, gateway and api keys are required")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}

	h := &Handler{
		log:      log,
		cfg:      cfg,
		users:    users,
		sessions: sessions,
		gw:       gw,
		apiKeys:  apiKeys,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(h)
	}
	return h, nil
}

// Routes mounts the /auth tree on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", h.handleRegister)
		r.Get("/confirm", h.handleConfirm)
		r.Post("/confirm", h.handleConfirm)
		r.Post("/confirm/resend", h.handleResendConfirmation)
		r.Post("/login", h.handleLogin)
		r.Post("/refresh", h.handleRefresh)
		r.Post("/password/reset", h.handlePasswordReset)
		r.Post("/password/reset/confirm", h.handlePasswordResetConfirm)

		r.With(h.gw.Optional).Get("/me", h.handleMe)

		r.Group(func(r chi.Router) {
			r.Use(h.gw.Require)

			r.Post("/logout", h.handleLogout)
			r.Post("/password/change", h.handlePasswordChange)

			r.Get("/sessions", h.handleSessionsList)
			r.Post("/sessions/revoke-all", h.handleSessionsRevokeAll)
			r.Post("/sessions/{id}/revoke", h.handleSessionRevoke)

			r.Get("/api-keys", h.handleAPIKeysList)
			r.Post("/api-keys", h.handleAPIKeyCreate)
			r.Post("/api-keys/revoke-all", h.handleAPIKeysRevokeAll)
			r.Post("/api-keys/{id}/revoke", h.handleAPIKeyRevoke)
			r.Delete("/api-keys/{id}", h.handleAPIKeyDelete)
		})
	})
}

// ---- account ----

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	u, err := h.users.CreateUser(r.Context(), req.Email, req.Password)
	if err != nil {
		writeServiceError(w, h.log, "auth.register.fail", err)
		return
	}
	h.log.Info("auth.register", "user_id", u.ID)
	writeJSON(w, http.StatusCreated, meResponse{User: ptr(toUserResponse(u))})
}

// handleConfirm accepts the token from the mailed link (GET ?token=) or a
// JSON body (POST).
func (h *Handler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	tok := strings.TrimSpace(r.URL.Query().Get("token"))
	if r.Method == http.MethodPost && tok == "" {
		var req tokenRequest
		if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
			return
		}
		tok = req.Token
	}
	if strings.TrimSpace(tok) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "token is required")
		return
	}

	u, already, err := h.users.ConfirmEmail(r.Context(), tok)
	if err != nil {
		if identity.IsUnauthorized(err) {
			writeError(w, http.StatusBadRequest, "invalid_token", "invalid or expired confirmation token")
			return
		}
		writeServiceError(w, h.log, "auth.confirm.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, confirmResponse{User: toUserResponse(u), AlreadyConfirmed: already})
}

func (h *Handler) handleResendConfirmation(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if err := h.users.ResendConfirmation(r.Context(), req.Email); err != nil {
		writeServiceError(w, h.log, "auth.confirm.resend.fail", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	id, ok := gateway.FromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusOK, meResponse{User: nil})
		return
	}
	u, err := h.users.GetByID(r.Context(), id.UserID)
	if err != nil {
		writeServiceError(w, h.log, "auth.me.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, meResponse{User: ptr(toUserResponse(u))})
}

// ---- login / refresh / logout ----

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "email and password are required")
		return
	}

	ctx := r.Context()
	u, err := h.users.VerifyCredentials(ctx, req.Email, req.Password)
	if err != nil {
		if identity.IsUnauthorized(err) {
			metrics.AuthEvent(metrics.EventLoginFailure)
			h.log.Info("auth.login.rejected", "reason", err.Error())
			writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
			return
		}
		h.log.Error("auth.login.verify.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	issued, err := h.sessions.Create(ctx, h.now().UTC(), u.ID, gateway.DeviceFromRequest(r, h.cfg.TrustProxy))
	if err != nil {
		h.log.Error("auth.login.issue_session.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	csrf, err := h.gw.Cookies().SetSession(w, issued)
	if err != nil {
		h.log.Error("auth.login.web_cookie.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	metrics.AuthEvent(metrics.EventLoginSuccess)
	h.log.Info("auth.login", "user_id", u.ID, "session_id", issued.SessionID)
	writeJSON(w, http.StatusOK, loginResponse{
		User:    toUserResponse(u),
		Session: toSessionResponse(issued, csrf),
	})
}

// handleRefresh rotates the refresh cookie. The CSRF double-submit check
// guards it because the endpoint works without an access token.
func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	cookies := h.gw.Cookies()
	refresh, ok := cookies.RefreshToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "session_not_active", "session not active")
		return
	}
	if !cookies.CSRFValid(r) {
		writeError(w, http.StatusForbidden, "csrf_invalid", "missing or invalid csrf token")
		return
	}

	issued, err := h.sessions.Rotate(r.Context(), h.now().UTC(), refresh, gateway.DeviceFromRequest(r, h.cfg.TrustProxy))
	if err != nil {
		if session.IsRejected(err) {
			cookies.Clear(w)
			writeError(w, http.StatusUnauthorized, "session_not_active", "session not active")
			return
		}
		h.log.Error("auth.refresh.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	csrf, err := cookies.SetSession(w, issued)
	if err != nil {
		h.log.Error("auth.refresh.web_cookie.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, refreshResponse{Session: toSessionResponse(issued, csrf)})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	id, _ := gateway.FromContext(r.Context())
	if err := h.sessions.Logout(r.Context(), h.now().UTC(), id.SessionID, id.UserID); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		h.log.Error("auth.logout.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	h.gw.Cookies().Clear(w)
	w.WriteHeader(http.StatusNoContent)
}

// ---- passwords ----

func (h *Handler) handlePasswordReset(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if err := h.users.RequestPasswordReset(r.Context(), req.Email); err != nil {
		writeServiceError(w, h.log, "auth.password_reset.fail", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) handlePasswordResetConfirm(w http.ResponseWriter, r *http.Request) {
	var req resetConfirmRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	u, err := h.users.ResetPassword(r.Context(), req.Token, req.NewPassword)
	if err != nil {
		if identity.IsUnauthorized(err) {
			writeError(w, http.StatusBadRequest, "invalid_token", "invalid or expired reset token")
			return
		}
		writeServiceError(w, h.log, "auth.password_reset.confirm.fail", err)
		return
	}
	h.gw.Cookies().Clear(w)
	writeJSON(w, http.StatusOK, meResponse{User: ptr(toUserResponse(u))})
}

// handlePasswordChange revokes every session of the user, then logs the
// caller back in on a fresh session.
func (h *Handler) handlePasswordChange(w http.ResponseWriter, r *http.Request) {
	id, _ := gateway.FromContext(r.Context())

	var req changePasswordRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	ctx := r.Context()
	if err := h.users.ChangePassword(ctx, id.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		writeServiceError(w, h.log, "auth.password_change.fail", err)
		return
	}

	issued, err := h.sessions.Create(ctx, h.now().UTC(), id.UserID, gateway.DeviceFromRequest(r, h.cfg.TrustProxy))
	if err != nil {
		h.log.Error("auth.password_change.issue_session.fail", "err", err)
		h.gw.Cookies().Clear(w)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	csrf, err := h.gw.Cookies().SetSession(w, issued)
	if err != nil {
		h.log.Error("auth.password_change.web_cookie.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, refreshResponse{Session: toSessionResponse(issued, csrf)})
}

// ---- sessions ----

func (h *Handler) handleSessionsList(w http.ResponseWriter, r *http.Request) {
	id, _ := gateway.FromContext(r.Context())
	views, err := h.sessions.List(r.Context(), h.now().UTC(), id.UserID)
	if err != nil {
		h.log.Error("auth.sessions.list.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	out := sessionsResponse{Sessions: make([]sessionView, 0, len(views))}
	for _, v := range views {
		out.Sessions = append(out.Sessions, toSessionView(v, id.SessionID))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleSessionRevoke(w http.ResponseWriter, r *http.Request) {
	id, _ := gateway.FromContext(r.Context())
	sid := chi.URLParam(r, "id")

	if _, err := h.sessions.Revoke(r.Context(), h.now().UTC(), sid, id.UserID); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}
		h.log.Error("auth.sessions.revoke.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	if sid == id.SessionID {
		h.gw.Cookies().Clear(w)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSessionsRevokeAll(w http.ResponseWriter, r *http.Request) {
	id, _ := gateway.FromContext(r.Context())
	n, err := h.sessions.RevokeAll(r.Context(), h.now().UTC(), id.UserID)
	if err != nil {
		h.log.Error("auth.sessions.revoke_all.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	h.gw.Cookies().Clear(w)
	writeJSON(w, http.StatusOK, revokeAllResponse{Revoked: n})
}

// ---- api keys ----

func (h *Handler) handleAPIKeysList(w http.ResponseWriter, r *http.Request) {
	id, _ := gateway.FromContext(r.Context())
	keys, err := h.apiKeys.List(r.Context(), id.UserID)
	if err != nil {
		writeServiceError(w, h.log, "auth.api_keys.list.fail", err)
		return
	}
	out := apiKeysResponse{Keys: make([]apiKeyView, 0, len(keys))}
	for _, k := range keys {
		out.Keys = append(out.Keys, toAPIKeyView(k))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleAPIKeyCreate(w http.ResponseWriter, r *http.Request) {
	id, _ := gateway.FromContext(r.Context())

	var req apiKeyCreateRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
			return
		}
	}

	k, raw, err := h.apiKeys.Create(r.Context(), h.now().UTC(), id.UserID, req.Name)
	if err != nil {
		writeServiceError(w, h.log, "auth.api_keys.create.fail", err)
		return
	}
	writeJSON(w, http.StatusCreated, apiKeyCreateResponse{Key: toAPIKeyView(k), Secret: raw})
}

func (h *Handler) handleAPIKeyRevoke(w http.ResponseWriter, r *http.Request) {
	id, _ := gateway.FromContext(r.Context())
	if _, err := h.apiKeys.Revoke(r.Context(), h.now().UTC(), chi.URLParam(r, "id"), id.UserID); err != nil {
		writeServiceError(w, h.log, "auth.api_keys.revoke.fail", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleAPIKeysRevokeAll(w http.ResponseWriter, r *http.Request) {
	id, _ := gateway.FromContext(r.Context())
	n, err := h.apiKeys.RevokeAll(r.Context(), h.now().UTC(), id.UserID)
	if err != nil {
		writeServiceError(w, h.log, "auth.api_keys.revoke_all.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, revokeAllResponse{Revoked: n})
}

func (h *Handler) handleAPIKeyDelete(w http.ResponseWriter, r *http.Request) {
	id, _ := gateway.FromContext(r.Context())
	if err := h.apiKeys.Delete(r.Context(), chi.URLParam(r, "id"), id.UserID); err != nil {
		writeServiceError(w, h.log, "auth.api_keys.delete.fail", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func ptr[T any](v T) *T { return &v }
