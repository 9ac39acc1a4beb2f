package providers

import "fmt"

// FailureKind classifies an upstream failure for retry and fallback
// decisions.
type FailureKind int

const (
	FailureTimeout FailureKind = iota
	FailureConnection
	FailureHTTPClient
	FailureHTTPServer
	FailureMalformed
)

func (k FailureKind) String() string {
	switch k {
	case FailureTimeout:
		return "timeout"
	case FailureConnection:
		return "connection_error"
	case FailureHTTPClient:
		return "http_client_error"
	case FailureHTTPServer:
		return "http_server_error"
	case FailureMalformed:
		return "malformed_response"
	default:
		return "unknown"
	}
}

// APIError is a classified upstream failure.
type APIError struct {
	Provider   string
	Kind       FailureKind
	StatusCode int
	cause      error
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (HTTP %d)", e.Provider, e.Kind, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Kind)
}

func (e *APIError) Unwrap() error { return e.cause }

// Retryable reports whether the failure class is worth another attempt.
// Client errors and malformed bodies are not: the request will not get
// better by repeating it.
func (e *APIError) Retryable() bool {
	switch e.Kind {
	case FailureTimeout, FailureConnection, FailureHTTPServer:
		return true
	default:
		return false
	}
}
