// Package vaultapi serves the TOTP item endpoints under /totp and the
// API-key listing under /api/v1/totp.
package vaultapi

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"otpvault/cmd/internal/auth/gateway"
	"otpvault/cmd/internal/vault"
)

// Notifier is told which users' listings changed so open live streams can
// push immediately.
type Notifier interface {
	Notify(userIDs ...string)
}

// Handler wires HTTP TOTP endpoints to the vault service.
type Handler struct {
	log          *slog.Logger
	items        *vault.Service
	gw           *gateway.Gateway
	notify       Notifier
	live         http.Handler
	maxBodyBytes int64
	now          func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithNotifier wires live-stream nudges.
func WithNotifier(n Notifier) Option { return func(h *Handler) { h.notify = n } }

// WithLiveStream mounts the websocket handler at GET /totp/ws.
func WithLiveStream(ws http.Handler) Option { return func(h *Handler) { h.live = ws } }

// WithMaxBodyBytes caps request bodies (default 64 KiB).
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBodyBytes = n
		}
	}
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option { return func(h *Handler) { h.now = now } }

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, items *vault.Service, gw *gateway.Gateway, opts ...Option) (*Handler, error) {
	if items == nil || gw == nil {
		return nil, errors.New("vaultapi: vault service and gateway are required")
	}
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{log: log, items: items, gw: gw, maxBodyBytes: 64 << 10, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

// Routes mounts /totp (session auth) and /api/v1/totp (API key auth) on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/totp", func(r chi.Router) {
		r.Use(h.gw.Require)

		r.Get("/", h.handleList)
		r.Post("/", h.handleCreate)
		r.Post("/import", h.handleImport)
		r.Delete("/{id}", h.handleDelete)
		r.Post("/{id}/share", h.handleShare)
		r.Delete("/{id}/share/{userID}", h.handleUnshare)

		if h.live != nil {
			r.Get("/ws", h.live.ServeHTTP)
		}
	})

	r.With(h.gw.RequireAPIKey).Get("/api/v1/totp", h.handleList)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	id, _ := gateway.FromContext(r.Context())
	entries, err := h.items.List(r.Context(), id.UserID, h.now())
	if err != nil {
		writeServiceError(w, h.log, "totp.list.fail", err)
		return
	}
	out := listResponse{Items: make([]itemView, 0, len(entries))}
	for _, e := range entries {
		out.Items = append(out.Items, toEntryView(e))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	id, _ := gateway.FromContext(r.Context())

	var req createRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	it, err := h.items.Create(r.Context(), id.UserID, vault.NewItem{
		Account: req.Account,
		Issuer:  req.Issuer,
		Secret:  req.Secret,
		Params:  vault.Params{Algorithm: req.Algorithm, Digits: req.Digits, Period: req.Period},
	})
	if err != nil {
		writeServiceError(w, h.log, "totp.create.fail", err)
		return
	}
	h.changed(id.UserID)
	writeJSON(w, http.StatusCreated, itemResponse{Item: toItemView(it)})
}

func (h *Handler) handleImport(w http.ResponseWriter, r *http.Request) {
	id, _ := gateway.FromContext(r.Context())

	var req importRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	it, err := h.items.Import(r.Context(), id.UserID, req.URI)
	if err != nil {
		writeServiceError(w, h.log, "totp.import.fail", err)
		return
	}
	h.changed(id.UserID)
	writeJSON(w, http.StatusCreated, itemResponse{Item: toItemView(it)})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, _ := gateway.FromContext(r.Context())
	if err := h.items.Delete(r.Context(), id.UserID, chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, h.log, "totp.delete.fail", err)
		return
	}
	h.changed(id.UserID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleShare(w http.ResponseWriter, r *http.Request) {
	id, _ := gateway.FromContext(r.Context())

	var req shareRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	sh, err := h.items.Share(r.Context(), id.UserID, chi.URLParam(r, "id"), req.Email)
	if err != nil {
		writeServiceError(w, h.log, "totp.share.fail", err)
		return
	}
	h.log.Info("totp.share", "item_id", sh.ItemID, "owner_id", id.UserID, "recipient_id", sh.UserID)
	h.changed(id.UserID, sh.UserID)
	writeJSON(w, http.StatusCreated, shareResponse{ItemID: sh.ItemID, UserID: sh.UserID, CreatedAt: sh.CreatedAt})
}

func (h *Handler) handleUnshare(w http.ResponseWriter, r *http.Request) {
	id, _ := gateway.FromContext(r.Context())
	recipient := chi.URLParam(r, "userID")
	if err := h.items.Unshare(r.Context(), id.UserID, chi.URLParam(r, "id"), recipient); err != nil {
		writeServiceError(w, h.log, "totp.unshare.fail", err)
		return
	}
	h.changed(id.UserID, recipient)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) changed(userIDs ...string) {
	if h.notify != nil {
		h.notify.Notify(userIDs...)
	}
}
