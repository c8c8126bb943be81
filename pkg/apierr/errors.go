// Package apierr defines the error taxonomy shared by the outbound
// marketplace client layer. Every failure surfaced by the executor carries a
// Kind so callers and the retry policy can react without string matching.
package apierr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a marketplace API failure.
type Kind string

const (
	// KindAuth means the credential refresh failed. Fatal until the caller
	// replaces the credentials.
	KindAuth Kind = "auth"

	// KindRateLimited means the provider rejected the request for quota
	// reasons (HTTP 429). Recoverable by waiting for the reported reset.
	KindRateLimited Kind = "rate_limited"

	// KindTransientServer means a 5xx provider error, retryable.
	KindTransientServer Kind = "transient_server"

	// KindTransientNetwork means a timeout or connection failure, retryable.
	KindTransientNetwork Kind = "transient_network"

	// KindPermanent means a 4xx other than 401/429, never retried.
	KindPermanent Kind = "permanent"
)

// Common errors returned by the client layer.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled while
	// waiting for a retry or rate-limit delay.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrNoCredential is returned when no credential has been configured.
	ErrNoCredential = errors.New("no credential configured")
)

// APIError is a marketplace API failure with its classification attached.
type APIError struct {
	Kind       Kind
	StatusCode int
	Message    string

	// RetryAfter is the server-reported wait for rate-limited responses.
	// Zero when the server did not report one.
	RetryAfter time.Duration

	Err error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("marketplace %s error (status %d): %s: %v",
			e.Kind, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("marketplace %s error (status %d): %s",
		e.Kind, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// KindOf extracts the Kind from an error chain. Errors without an APIError
// in the chain report an empty Kind.
func KindOf(err error) Kind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}

// New builds an APIError for the given kind and HTTP status.
func New(kind Kind, statusCode int, message string) *APIError {
	return &APIError{
		Kind:       kind,
		StatusCode: statusCode,
		Message:    message,
	}
}

// Wrap builds an APIError around an underlying error.
func Wrap(kind Kind, err error, message string) *APIError {
	return &APIError{
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}
