package utils

import (
	"errors"
	"fmt"
	"net/http"
)

var ErrorRecordNotFound = errors.New("record not found")

// ValidationError is bad input; nothing was written.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ConflictError is a uniqueness or state conflict; Reason is a stable machine string.
type ConflictError struct {
	Reason  string
	Message string
}

func (e *ConflictError) Error() string {
	if e.Message == "" {
		return e.Reason
	}
	return e.Reason + ": " + e.Message
}

func NewConflictError(reason, format string, args ...any) *ConflictError {
	return &ConflictError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// UpstreamProviderError wraps a failed call to Square, Stripe, Zepto or HelloClever.
// These are retryable by the caller; the core never retries on its own.
type UpstreamProviderError struct {
	Provider   string
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s upstream error: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("%s api error %d: %s", e.Provider, e.StatusCode, e.Body)
}

func (e *UpstreamProviderError) Unwrap() error { return e.Err }

func (e *UpstreamProviderError) Retryable() bool {
	return e.Err != nil || e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// SignatureError rejects an inbound webhook before any state is touched.
type SignatureError struct {
	Provider string
	Reason   string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("%s signature rejected: %s", e.Provider, e.Reason)
}

type NotFoundError struct {
	Resource string
	Id       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.Id)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrorRecordNotFound }

func NewNotFoundError(resource string, id any) *NotFoundError {
	return &NotFoundError{Resource: resource, Id: fmt.Sprint(id)}
}

// HTTPStatus maps the error taxonomy to a response code.
func HTTPStatus(err error) int {
	var (
		validationErr *ValidationError
		conflictErr   *ConflictError
		upstreamErr   *UpstreamProviderError
		signatureErr  *SignatureError
		notFoundErr   *NotFoundError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &validationErr):
		return http.StatusBadRequest
	case errors.As(err, &conflictErr):
		return http.StatusConflict
	case errors.As(err, &signatureErr):
		return http.StatusUnauthorized
	case errors.As(err, &notFoundErr), errors.Is(err, ErrorRecordNotFound):
		return http.StatusNotFound
	case errors.As(err, &upstreamErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
