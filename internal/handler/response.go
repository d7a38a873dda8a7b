package handler

// RESPONSE HELPERS:
// These functions standardise how we send JSON responses and errors.
//
// Without helpers, every handler repeats the same boilerplate:
//   w.Header().Set("Content-Type", "application/json")
//   w.WriteHeader(statusCode)
//   json.NewEncoder(w).Encode(data)
//
// With helpers, handlers stay short:
//   writeJSON(w, http.StatusOK, data)
//   writeError(w, err)
//
// CONSISTENT ERROR FORMAT:
// Every error response from the API has the same shape:
//   {"error": "not_found", "message": "task not found with id abc123"}
//
// The exceptions are the payloads the browser client already depends on:
// /register answers {"message": ...} and the unauthenticated /todos routes
// answer [] or {}. Those are written explicitly by their handlers.

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/sakif/tasklist/internal/apperror"
)

// maxBodyBytes caps request bodies. A task title or a sign-up form is tiny.
const maxBodyBytes = 1 << 20

// ErrorResponse is the standard error format returned by the API endpoints.
type ErrorResponse struct {
	Error   string `json:"error"`   // Machine-readable error type (e.g., "not_found")
	Message string `json:"message"` // Human-readable description
}

// MessageResponse is the {"message": ...} body used by /register and sign-out.
type MessageResponse struct {
	Message string `json:"message"`
}

// SuccessResponse is the {"success": true} body of PUT and DELETE /todos.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// writeJSON sends a JSON response with the given status code.
//
// HEADER ORDER MATTERS:
// Headers and status code must be set BEFORE writing the body. Once
// Encode calls w.Write, the headers are sent and later changes are ignored.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// Headers are already sent; all we can do is log it.
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// writeError maps a domain error to the appropriate HTTP status code and sends it.
//
// ERROR MAPPING:
//
//	apperror.ErrValidation   → 400 validation_error
//	apperror.ErrUnauthorized → 401 unauthorized
//	apperror.ErrForbidden    → 403 forbidden
//	apperror.ErrNotFound     → 404 not_found
//	apperror.ErrConflict     → 409 conflict
//	apperror.ErrUnavailable  → 503 unavailable
//	anything else            → 500 internal_error, generic message
//
// errors.Is walks the whole chain, so a service error like
// fmt.Errorf("service/task: getting task: %w", apperror.NotFound(...)) still
// maps to 404.
func writeError(w http.ResponseWriter, err error) {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		status, errorType := classify(err)
		writeJSON(w, status, ErrorResponse{
			Error:   errorType,
			Message: appErr.Message,
		})
		return
	}

	// Unknown error: never expose internal details (SQL, paths) to the client.
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{
		Error:   "internal_error",
		Message: "An internal error occurred",
	})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, apperror.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, apperror.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, apperror.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, apperror.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, apperror.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, apperror.ErrUnavailable):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// decodeJSON reads a JSON body into dst and, when validate is non-nil, runs
// the struct's `validate` tags. Every failure comes back as an
// apperror.ErrValidation so writeError answers 400.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, validate *validator.Validate) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperror.ValidationFailed("", "request body is required")
		}
		return apperror.ValidationFailed("", "invalid JSON in request body")
	}

	if validate == nil {
		return nil
	}
	return validateStruct(validate, dst)
}

// validateStruct runs validator tags and turns the first failure into a
// readable message such as "Password must be at least 6 characters".
func validateStruct(validate *validator.Validate, v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return apperror.ValidationFailed("", "invalid request")
	}

	fe := fieldErrs[0]
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return apperror.ValidationFailed(field, field+" is required")
	case "email":
		return apperror.ValidationFailed(field, "Invalid email address")
	case "min":
		return apperror.ValidationFailed(field, fmt.Sprintf("%s must be at least %s characters", field, fe.Param()))
	case "max":
		return apperror.ValidationFailed(field, fmt.Sprintf("%s must be %s characters or less", field, fe.Param()))
	default:
		return apperror.ValidationFailed(field, field+" is invalid")
	}
}

// newValidator returns the validator used for request schemas. FieldError.Field
// reports the Go field name ("Name", "Password"), which doubles as the label
// in messages.
func newValidator() *validator.Validate {
	return validator.New(validator.WithRequiredStructEnabled())
}
