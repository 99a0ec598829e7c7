package models

import (
	"fmt"
	"net/http"
)

// ErrorKind enumerates the external failure taxonomy. Every failure surfaced
// to a caller belongs to exactly one kind.
type ErrorKind string

const (
	ErrValidation        ErrorKind = "validation_error"
	ErrRuleNotFound      ErrorKind = "routing_rule_not_found"
	ErrProviderUnavail   ErrorKind = "provider_unavailable"
	ErrModelUnavail      ErrorKind = "model_unavailable"
	ErrConfiguration     ErrorKind = "configuration_error"
	ErrAuthentication    ErrorKind = "authentication_failure"
	ErrRateLimited       ErrorKind = "rate_limited"
	ErrProviderTimeout   ErrorKind = "provider_timeout"
	ErrProviderFailure   ErrorKind = "provider_failure"
	ErrNetwork           ErrorKind = "network_error"
)

// RouterError is the typed error crossing layer boundaries. The orchestrator
// maps it to an HTTP status and a caller-protocol error body at the single
// catch point.
type RouterError struct {
	Kind       ErrorKind
	Message    string
	PipelineID string
	Upstream   error
	// StatusOverride forces a specific HTTP status (e.g. provider-origin 500
	// vs request-origin 400 for ProviderFailure).
	StatusOverride int
}

func (e *RouterError) Error() string {
	if e.PipelineID != "" {
		return fmt.Sprintf("%s: %s (pipeline %s)", e.Kind, e.Message, e.PipelineID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *RouterError) Unwrap() error { return e.Upstream }

// HTTPStatus returns the status code for the error kind.
func (e *RouterError) HTTPStatus() int {
	if e.StatusOverride != 0 {
		return e.StatusOverride
	}
	switch e.Kind {
	case ErrValidation, ErrRuleNotFound, ErrConfiguration:
		return http.StatusBadRequest
	case ErrAuthentication:
		return http.StatusUnauthorized
	case ErrRateLimited:
		return http.StatusTooManyRequests
	case ErrProviderTimeout:
		return http.StatusRequestTimeout
	case ErrProviderUnavail, ErrModelUnavail:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NewRouterError builds a RouterError.
func NewRouterError(kind ErrorKind, msg string) *RouterError {
	return &RouterError{Kind: kind, Message: msg}
}

// Errorf builds a RouterError with a formatted message.
func Errorf(kind ErrorKind, format string, args ...interface{}) *RouterError {
	return &RouterError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
