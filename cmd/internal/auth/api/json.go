package authapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"

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

	body := http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	// Ensure there is no extra data after the first JSON value.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("extra data after JSON object")
	}
	return nil
}

// writeServiceError maps the identity error taxonomy onto HTTP statuses.
// Anything unclassified is logged under event and reported as a 500.
func writeServiceError(w http.ResponseWriter, log *slog.Logger, event string, err error) {
	var ve identity.ValidationError
	var ce identity.CooldownError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: apiError{Code: "invalid_request", Message: ve.Reason, Field: ve.Field}})
	case identity.IsInvalidInput(err):
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request")
	case errors.As(err, &ce):
		secs := int(math.Ceil(ce.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
		writeError(w, http.StatusTooManyRequests, "cooldown", "please wait before requesting another email")
	case identity.IsConflict(err):
		writeError(w, http.StatusConflict, "conflict", "already exists")
	case identity.IsUnauthorized(err):
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid credentials")
	case identity.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", "not found")
	default:
		log.Error(event, "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}
