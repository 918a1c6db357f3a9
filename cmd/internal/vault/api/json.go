package vaultapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"otpvault/cmd/identity"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: apiError{Code: code, Message: msg}})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer func() { _ = r.Body.Close() }()

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("extra data after JSON object")
	}
	return nil
}

func writeServiceError(w http.ResponseWriter, log *slog.Logger, event string, err error) {
	var ve identity.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: apiError{Code: "invalid_request", Message: ve.Reason, Field: ve.Field}})
	case identity.IsInvalidInput(err):
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request")
	case identity.IsConflict(err):
		writeError(w, http.StatusConflict, "conflict", "already shared with this user")
	case identity.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", "not found")
	default:
		log.Error(event, "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}
