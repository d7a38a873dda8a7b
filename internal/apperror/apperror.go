// Package apperror defines the domain error taxonomy shared by every layer.
//
// Services return these errors; only the HTTP layer decides which status code
// each one becomes.
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("Validation Error")
	ErrConflict     = errors.New("conflict")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
	ErrUnavailable  = errors.New("unavailable")
)

type AppError struct {
	Err     error  // actual error
	Message string // Human-readable error message
	Field   string // Optional: field causing the error
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

// DuplicateEmail is returned when an account with the email already exists.
// It wraps ErrConflict so callers can match either.
func DuplicateEmail() *AppError {
	return &AppError{
		Err:     ErrConflict,
		Message: "User already exists",
		Field:   "email",
	}
}

// InvalidCredentials is the single error for every failed password sign-in.
// Unknown email, password-less account and wrong password all produce the
// same value so a response never reveals which accounts exist.
func InvalidCredentials() *AppError {
	return &AppError{
		Err:     ErrUnauthorized,
		Message: "invalid email or password",
	}
}

// Unauthenticated is returned when a request carries no usable session.
func Unauthenticated() *AppError {
	return &AppError{
		Err:     ErrUnauthorized,
		Message: "valid authentication required",
	}
}

// Unavailable marks a backing store that cannot be reached. The message is
// deliberately generic; the cause stays in Err for logs.
func Unavailable(cause error) *AppError {
	return &AppError{
		Err:     fmt.Errorf("%w: %w", ErrUnavailable, cause),
		Message: "service temporarily unavailable",
	}
}
