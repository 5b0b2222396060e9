package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents a typed domain error with HTTP awareness.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New creates a new Error instance.
func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Wrap attaches context to an existing error.
func Wrap(err error, code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message, Err: err}
}

// Predefined errors for common scenarios.
var (
	ErrInvalidCredentials = New("INVALID_CREDENTIALS", http.StatusUnauthorized, "invalid email or password")
	ErrInactiveAccount    = New("ACCOUNT_INACTIVE", http.StatusForbidden, "account is inactive")
	ErrNotFound           = New("NOT_FOUND", http.StatusNotFound, "resource not found")
	ErrForbidden          = New("FORBIDDEN", http.StatusForbidden, "forbidden")
	ErrUnauthorized       = New("UNAUTHORIZED", http.StatusUnauthorized, "unauthorized")
	ErrConflict           = New("CONFLICT", http.StatusConflict, "conflict")
	ErrValidation         = New("VALIDATION_ERROR", http.StatusBadRequest, "validation failed")
	ErrInternal           = New("INTERNAL_ERROR", http.StatusInternalServerError, "internal server error")
	ErrCacheMiss          = New("CACHE_MISS", http.StatusNotFound, "cache miss")
)

// Session lifecycle errors. The HTTP layer never surfaces these codes as-is;
// every session rejection collapses to a generic 401 so a caller cannot tell
// an expired token apart from a replayed one.
var (
	ErrTokenNotRecognized   = New("TOKEN_NOT_RECOGNIZED", http.StatusUnauthorized, "refresh token not recognized")
	ErrTokenNoLongerActive  = New("TOKEN_NO_LONGER_ACTIVE", http.StatusUnauthorized, "refresh token no longer active")
	ErrTokenExpired         = New("TOKEN_EXPIRED", http.StatusUnauthorized, "refresh token expired")
	ErrPrincipalUnavailable = New("PRINCIPAL_UNAVAILABLE", http.StatusUnauthorized, "account unavailable")
	ErrDuplicateHash        = New("DUPLICATE_HASH", http.StatusConflict, "token hash already exists")
	ErrStaleRecord          = New("STALE_RECORD", http.StatusConflict, "token was concurrently revoked")
)

// Access-token codec errors.
var (
	ErrTokenMalformed        = New("TOKEN_MALFORMED", http.StatusUnauthorized, "access token malformed")
	ErrTokenInvalidSignature = New("TOKEN_INVALID_SIGNATURE", http.StatusUnauthorized, "access token signature invalid")
)

// FromError normalises any error into an *Error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, ErrInternal.Code, ErrInternal.Status, ErrInternal.Message)
}

// Clone returns a copy of the error allowing for message overrides.
func Clone(err *Error, message string) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	if message != "" {
		clone.Message = message
	}
	return &clone
}

// HasCode reports whether err carries the same code as target.
func HasCode(err error, target *Error) bool {
	if err == nil || target == nil {
		return false
	}
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == target.Code
}
