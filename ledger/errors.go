package ledger

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a remote ledger API failure. The boundary returns
// typed kinds so callers never string-match response bodies.
type ErrorKind string

const (
	ErrUnauthorized ErrorKind = "unauthorized"
	ErrRateLimited  ErrorKind = "rate_limited"
	ErrUpstream     ErrorKind = "upstream"
	ErrValidation   ErrorKind = "validation"
)

// APIError is a typed error from the remote accounting API. Message never
// contains tokens or credentials.
type APIError struct {
	Kind       ErrorKind
	Status     int
	Message    string
	RetryAfter time.Duration // set for rate_limited only
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("ledger api %s (status %d)", e.Kind, e.Status)
	}
	return fmt.Sprintf("ledger api %s (status %d): %s", e.Kind, e.Status, e.Message)
}

// AsAPIError unwraps err into an *APIError when it carries one.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsTransient reports whether err may succeed on a later retry. Transport
// failures (no APIError) and 5xx responses are transient; auth and
// validation failures are not. Rate limits are retryable but only after the
// server-provided delay, which the caller must honor.
func IsTransient(err error) bool {
	apiErr, ok := AsAPIError(err)
	if !ok {
		return true
	}
	return apiErr.Kind == ErrUpstream
}
