package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable machine-readable error code surfaced to callers.
type Code string

const (
	CodeValidation       Code = "VALIDATION_ERROR"
	CodeTickerNotFound   Code = "TICKER_NOT_FOUND"
	CodeClientNotFound   Code = "CLIENT_NOT_FOUND"
	CodeClientInactive   Code = "CLIENT_INACTIVE"
	CodeExternalAPI      Code = "EXTERNAL_API_ERROR"
	CodeCircuitOpen      Code = "CIRCUIT_OPEN"
	CodeCalculation      Code = "CALCULATION_ERROR"
	CodeAuditPersistence Code = "AUDIT_PERSISTENCE_ERROR"
	CodeAuditNotFound    Code = "AUDIT_RECORD_NOT_FOUND"
	CodeNotFound         Code = "NOT_FOUND"
	CodeRateLimited      Code = "RATE_LIMITED"
	CodeUnauthorized     Code = "UNAUTHORIZED"
	CodeBusy             Code = "SERVER_BUSY"
	CodeInternal         Code = "INTERNAL_ERROR"
)

// Error is the typed error surfaced across component boundaries. Message
// text never includes stack traces, SQL fragments or upstream vendor
// specifics.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// E builds a typed error.
func E(code Code, msg string) *Error { return &Error{Code: code, Message: msg} }

// Ef builds a typed error with a formatted message.
func Ef(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause without leaking its text to the surface message.
func Wrap(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, cause: cause}
}

// Validation builds a VALIDATION_ERROR naming the offending field.
func Validation(field, msg string) *Error {
	return &Error{Code: CodeValidation, Message: msg, Field: field}
}

// CodeOf extracts the code from err, or CodeInternal for untyped errors.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// HTTPStatus maps an error code to its HTTP surface.
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeTickerNotFound, CodeClientNotFound, CodeAuditNotFound, CodeNotFound:
		return http.StatusNotFound
	case CodeClientInactive:
		return http.StatusForbidden
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeRateLimited, CodeBusy:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
