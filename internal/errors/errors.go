// Package errors defines the error kinds surfaced by the hub. Every failure
// returned by a service is a *ServiceError carrying a stable code, a
// human-readable message and the HTTP status the API should answer with.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies the kind of failure.
type ErrorCode string

const (
	CodeAuthorization       ErrorCode = "AUTHORIZATION"
	CodeNotFound            ErrorCode = "NOT_FOUND"
	CodeDuplicate           ErrorCode = "DUPLICATE"
	CodeInvariantViolation  ErrorCode = "INVARIANT_VIOLATION"
	CodeInsufficientBalance ErrorCode = "INSUFFICIENT_BALANCE"
	CodeSettlementFailed    ErrorCode = "SETTLEMENT_FAILED"
	CodeInvalidToken        ErrorCode = "INVALID_TOKEN"
	CodeRateLimited         ErrorCode = "RATE_LIMITED"
	CodeBadRequest          ErrorCode = "BAD_REQUEST"
	CodeInternal            ErrorCode = "INTERNAL"
)

// ServiceError is the error type returned across service boundaries.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Is matches another *ServiceError by code so callers can write
// errors.Is(err, errors.NotFound("")) style checks.
func (e *ServiceError) Is(target error) bool {
	var other *ServiceError
	if !stderrors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// WithDetails returns a copy of the error with an extra detail attached.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	cp := *e
	cp.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

func newError(code ErrorCode, status int, err error, format string, args ...interface{}) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: status,
		Err:        err,
	}
}

// Unauthorized reports a missing capability or ownership.
func Unauthorized(format string, args ...interface{}) *ServiceError {
	return newError(CodeAuthorization, http.StatusForbidden, nil, format, args...)
}

// NotFound reports a referenced entity that does not exist.
func NotFound(format string, args ...interface{}) *ServiceError {
	return newError(CodeNotFound, http.StatusNotFound, nil, format, args...)
}

// Duplicate reports an entity that already exists.
func Duplicate(format string, args ...interface{}) *ServiceError {
	return newError(CodeDuplicate, http.StatusConflict, nil, format, args...)
}

// Invariant reports a violated value, quantity or state precondition.
func Invariant(format string, args ...interface{}) *ServiceError {
	return newError(CodeInvariantViolation, http.StatusUnprocessableEntity, nil, format, args...)
}

// InsufficientBalance reports a debit larger than the available funds.
func InsufficientBalance(format string, args ...interface{}) *ServiceError {
	return newError(CodeInsufficientBalance, http.StatusPaymentRequired, nil, format, args...)
}

// SettlementFailed reports a payout call that did not complete.
func SettlementFailed(err error, format string, args ...interface{}) *ServiceError {
	return newError(CodeSettlementFailed, http.StatusBadGateway, err, format, args...)
}

// InvalidToken reports a bearer token that failed validation.
func InvalidToken(err error) *ServiceError {
	return newError(CodeInvalidToken, http.StatusUnauthorized, err, "invalid or expired token")
}

// MissingCredentials reports a request without usable credentials.
func MissingCredentials(format string, args ...interface{}) *ServiceError {
	return newError(CodeInvalidToken, http.StatusUnauthorized, nil, format, args...)
}

// RateLimitExceeded reports a throttled caller.
func RateLimitExceeded(limit int, window string) *ServiceError {
	return newError(CodeRateLimited, http.StatusTooManyRequests, nil, "rate limit of %d requests per %s exceeded", limit, window)
}

// BadRequest reports malformed input at the transport layer.
func BadRequest(format string, args ...interface{}) *ServiceError {
	return newError(CodeBadRequest, http.StatusBadRequest, nil, format, args...)
}

// Internal wraps an unexpected failure.
func Internal(message string, err error) *ServiceError {
	return newError(CodeInternal, http.StatusInternalServerError, err, "%s", message)
}

// GetServiceError extracts the *ServiceError in err's chain, or nil.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if stderrors.As(err, &se) {
		return se
	}
	return nil
}

// Code returns the code of err, or CodeInternal for foreign errors.
func Code(err error) ErrorCode {
	if se := GetServiceError(err); se != nil {
		return se.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	se := GetServiceError(err)
	return se != nil && se.Code == code
}
