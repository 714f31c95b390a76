package utils

import (
	"errors"
	"fmt"
	"time"
)

var ErrorRecordNotFound = errors.New("record not found")

// ErrorCode is the stable, wire-visible code for a domain failure.
type ErrorCode string

const (
	ErrCodeUnbalancedJE ErrorCode = "UNBALANCED_JE"
	ErrCodeValidation   ErrorCode = "VALIDATION"
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeRateLimited  ErrorCode = "RATE_LIMITED"
	ErrCodeUpstream     ErrorCode = "UPSTREAM"
	ErrCodeConflict     ErrorCode = "CONFLICT"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeRetryLater   ErrorCode = "RETRY_LATER"
)

// DomainError carries a stable code across package boundaries so callers
// never have to string-match error text. Transient errors may be retried by
// the caller with backoff; permanent ones must not be retried automatically.
type DomainError struct {
	Code       ErrorCode
	Message    string
	Transient  bool
	RetryAfter time.Duration // set for RATE_LIMITED only
}

func (e *DomainError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewDomainError(code ErrorCode, message string) *DomainError {
	return &DomainError{Code: code, Message: message}
}

func NewTransientError(code ErrorCode, message string) *DomainError {
	return &DomainError{Code: code, Message: message, Transient: true}
}

func NewRateLimitedError(retryAfter time.Duration) *DomainError {
	return &DomainError{
		Code:       ErrCodeRateLimited,
		Message:    "rate limited by external ledger",
		Transient:  true,
		RetryAfter: retryAfter,
	}
}

// CodeOf extracts the domain code from err, or "" when err carries none.
func CodeOf(err error) ErrorCode {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

func IsTransient(err error) bool {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Transient
	}
	return false
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrorRecordNotFound) || CodeOf(err) == ErrCodeNotFound
}

func IsConflict(err error) bool {
	return CodeOf(err) == ErrCodeConflict
}
