package integration

import (
	"errors"
	"fmt"
)

// Common errors
var (
	// ErrUnknownType indicates an unsupported integration type
	ErrUnknownType = errors.New("unknown integration type")
	// ErrNotFound indicates the integration does not exist for the user
	ErrNotFound = errors.New("integration not found")
	// ErrUnauthorized indicates the service rejected the API key
	ErrUnauthorized = errors.New("unauthorized: invalid API key")
	// ErrNoConnection indicates the service could not be reached
	ErrNoConnection = errors.New("failed to connect to integration")
	// ErrInvalidResponse indicates the service answered with an unexpected payload
	ErrInvalidResponse = errors.New("invalid response from integration")
	// ErrBadPath indicates a forwarded path that escapes the service root
	ErrBadPath = errors.New("invalid integration path")
	// ErrBodyTooLarge indicates a request or response over the size limit
	ErrBodyTooLarge = errors.New("body too large")
)

// APIError represents a non-2xx answer to a probe
type APIError struct {
	Type       Type
	StatusCode int
	Message    string
}

// Error implements the error interface
func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s API error: status %d: %s", e.Type, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s API error: status %d", e.Type, e.StatusCode)
}

// Is reports 401 and 403 answers as ErrUnauthorized.
func (e *APIError) Is(target error) bool {
	return target == ErrUnauthorized && e.IsUnauthorized()
}

// IsUnauthorized checks if the error indicates an authentication failure
func (e *APIError) IsUnauthorized() bool {
	return e.StatusCode == 401 || e.StatusCode == 403
}
