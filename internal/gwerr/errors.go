// Package gwerr defines the error kinds of the gateway core and their HTTP mapping.
//
// Kinds carrying data are struct types matched with errors.As; the rest are sentinel
// values matched with errors.Is. HTTPStatus converts any of them to the status code a
// caller should receive.
package gwerr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrUnauthorized is returned for a protected route without valid credentials.
	ErrUnauthorized = errors.New("authentication required")
	// ErrRouteNotFound is returned when no route matches method and path.
	ErrRouteNotFound = errors.New("route not found")
	// ErrLimiterUnavailable is returned when rate-limit counters cannot be consulted.
	ErrLimiterUnavailable = errors.New("rate limiter unavailable")
	// ErrMalformedEvent marks a broker message that can never be processed.
	ErrMalformedEvent = errors.New("malformed event")
)

// FieldError is one violated constraint of a descriptor.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every violated field of a descriptor.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Add records a violation.
func (e *ValidationError) Add(field, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// OrNil returns e when it holds violations and nil otherwise.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

// DuplicateServiceError is returned when a service name is already registered.
type DuplicateServiceError struct {
	ServiceName string
}

func (e *DuplicateServiceError) Error() string {
	return fmt.Sprintf("microservice with name %s already exists", e.ServiceName)
}

// RouteConflictError is returned when two services claim the same method and path.
type RouteConflictError struct {
	Key      string // "GET /users/"
	Existing string // service that claimed the key first
	Incoming string // service that claimed it again
}

func (e *RouteConflictError) Error() string {
	return fmt.Sprintf("route %s is claimed by both %q and %q", e.Key, e.Existing, e.Incoming)
}

// RateLimitExceededError is returned when at least one configured cap is exceeded.
type RateLimitExceededError struct {
	Route      string
	Windows    []string // exceeded granularities, smallest first
	RetryAfter time.Duration
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s (per %s)", e.Route, strings.Join(e.Windows, ", per "))
}

// UpstreamError is returned when the backend cannot be reached or does not answer in time.
type UpstreamError struct {
	Service string
	URL     string
	Timeout bool
	Err     error
}

func (e *UpstreamError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("upstream %s timed out: %v", e.Service, e.Err)
	}
	return fmt.Sprintf("upstream %s unavailable: %v", e.Service, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// HTTPStatus maps an error kind to the status returned to the caller.
func HTTPStatus(err error) int {
	var (
		ve *ValidationError
		de *DuplicateServiceError
		ce *RouteConflictError
		re *RateLimitExceededError
		ue *UpstreamError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &ve):
		return http.StatusUnprocessableEntity
	case errors.As(err, &de):
		return http.StatusBadRequest
	case errors.As(err, &ce):
		return http.StatusConflict
	case errors.As(err, &re):
		return http.StatusTooManyRequests
	case errors.As(err, &ue):
		if ue.Timeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrRouteNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrLimiterUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// IsPermanent reports whether retrying the operation can never succeed.
func IsPermanent(err error) bool {
	var ve *ValidationError
	return errors.Is(err, ErrMalformedEvent) || errors.As(err, &ve)
}
