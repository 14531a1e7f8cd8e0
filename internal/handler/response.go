package handler

// RESPONSE HELPERS:
// These functions standardise how we send JSON responses and errors.
//
// CONSISTENT ERROR FORMAT:
// Every error response from our API has the same shape:
//   {"error": "not_found", "message": "user not found with id abc123"}
//
// The frontend branches on "error" (stable, machine-readable) and shows
// "message" to the user.

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/akumotech/student-tracker/internal/apperror"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 1 << 20

// ErrorResponse is the standard error format returned by all API endpoints.
type ErrorResponse struct {
	Error   string `json:"error"`           // Machine-readable error type (e.g., "not_found")
	Message string `json:"message"`         // Human-readable description
	Field   string `json:"field,omitempty"` // Set for validation errors
}

// writeJSON sends a JSON response with the given status code.
//
// HEADER ORDER MATTERS:
// Headers and status must be set BEFORE writing the body; once Encode writes,
// later header changes are silently ignored.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// Headers are already sent; all we can do is log.
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// decodeJSON reads a single JSON object into dst. Unknown fields and trailing
// data are rejected so typos in request bodies surface as 400s.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperror.ValidationFailed("body", fmt.Sprintf("invalid JSON body: %v", err))
	}
	if dec.More() {
		return apperror.ValidationFailed("body", "request body must contain a single JSON object")
	}
	return nil
}

// errorStatus maps a domain error to its HTTP status and error type.
//
// The service layer never knows about HTTP; this is the one place where
// sentinels become status codes. Order matters: CorruptedCredential also
// matches ErrReauthorizationRequired, and both map to the same response.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, apperror.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, apperror.ErrInvalidState):
		return http.StatusBadRequest, "invalid_state"
	case errors.Is(err, apperror.ErrTokenExchange):
		return http.StatusBadRequest, "token_exchange_failed"
	case errors.Is(err, apperror.ErrReauthorizationRequired):
		return http.StatusConflict, "reauthorization_required"
	case errors.Is(err, apperror.ErrTokenRejected):
		return http.StatusUnauthorized, "token_rejected"
	case errors.Is(err, apperror.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, apperror.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, apperror.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, apperror.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, apperror.ErrUpstreamUnavailable):
		return http.StatusBadGateway, "upstream_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// writeError maps a domain error to the appropriate HTTP status code and sends it.
//
// errors.As walks the chain to find our *AppError for the message; anything
// else is a 500 with a generic message. Raw error text can contain SQL or
// file paths and is never sent to the client.
func writeError(w http.ResponseWriter, err error) {
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "An internal error occurred",
		})
		return
	}

	status, errorType := errorStatus(err)
	msg := appErr.Message
	if status == http.StatusInternalServerError {
		msg = "An internal error occurred"
	}
	writeJSON(w, status, ErrorResponse{
		Error:   errorType,
		Message: msg,
		Field:   appErr.Field,
	})
}
