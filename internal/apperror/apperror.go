// Package apperror defines the application's error taxonomy.
//
// Every error that must be told apart by a caller is an *AppError wrapping one
// of the sentinels below. Callers branch with errors.Is against the sentinel;
// handlers use the Message for the response body.
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("validation error")
	ErrConflict     = errors.New("conflict")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")

	// ErrConfiguration is fatal at startup: a secret is missing or malformed.
	ErrConfiguration = errors.New("configuration error")

	// ErrInvalidState rejects an OAuth callback whose state token is forged,
	// expired, or already used.
	ErrInvalidState = errors.New("invalid oauth state")

	// ErrTokenExchange means the provider refused the authorization code.
	ErrTokenExchange = errors.New("token exchange failed")

	// ErrReauthorizationRequired is terminal for the stored token: the user
	// must run the connect flow again. Never retried.
	ErrReauthorizationRequired = errors.New("reauthorization required")

	// ErrUpstreamUnavailable is transient; the next scheduled pass retries.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrTokenRejected is a 401/403 from the provider's data API.
	ErrTokenRejected = errors.New("token rejected")

	// ErrCorruptedCredential means stored ciphertext failed to decrypt.
	ErrCorruptedCredential = errors.New("corrupted credential")
)

type AppError struct {
	Err     error  // sentinel (or a join of sentinels)
	Message string // human-readable error message
	Field   string // optional: field causing the error
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

func Conflict(resource, id string) *AppError {
	return &AppError{
		Err:     ErrConflict,
		Message: fmt.Sprintf("%s conflict with id %s", resource, id),
	}
}

// Forbidden returns an AppError indicating the caller lacks permission.
// HTTP handlers map this to 403 Forbidden.
func Forbidden(message string) *AppError {
	return &AppError{
		Err:     ErrForbidden,
		Message: message,
	}
}

func Unauthorized(message string) *AppError {
	return &AppError{
		Err:     ErrUnauthorized,
		Message: message,
	}
}

// Configuration reports a missing or malformed setting. key is the config key
// (e.g. "vault.key") and is kept in Field.
func Configuration(key, message string) *AppError {
	return &AppError{
		Err:     ErrConfiguration,
		Message: fmt.Sprintf("%s: %s", key, message),
		Field:   key,
	}
}

func InvalidState(reason string) *AppError {
	return &AppError{
		Err:     ErrInvalidState,
		Message: "invalid authorization state: " + reason,
	}
}

func TokenExchange(cause error) *AppError {
	return &AppError{
		Err:     fmt.Errorf("%w: %w", ErrTokenExchange, cause),
		Message: "the provider rejected the authorization code, try connecting again",
	}
}

func ReauthorizationRequired(userID, reason string) *AppError {
	return &AppError{
		Err:     ErrReauthorizationRequired,
		Message: fmt.Sprintf("user %s must reconnect WakaTime: %s", userID, reason),
	}
}

// CorruptedCredential matches both ErrCorruptedCredential and
// ErrReauthorizationRequired: callers treat a token that cannot be decrypted
// exactly like one that was revoked.
func CorruptedCredential(cause error) *AppError {
	return &AppError{
		Err:     fmt.Errorf("%w: %w: %w", ErrCorruptedCredential, ErrReauthorizationRequired, cause),
		Message: "stored credential could not be decrypted",
	}
}

func UpstreamUnavailable(cause error) *AppError {
	return &AppError{
		Err:     fmt.Errorf("%w: %w", ErrUpstreamUnavailable, cause),
		Message: "WakaTime is unavailable, try again later",
	}
}

func TokenRejected(status int) *AppError {
	return &AppError{
		Err:     ErrTokenRejected,
		Message: fmt.Sprintf("WakaTime rejected the access token (status %d)", status),
	}
}
