package proxy

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors returned by the proxy.
var (
	// ErrUnauthorized is returned when the dashboard session is missing,
	// unknown or expired.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound is returned when the instance does not exist or belongs to
	// another user. The two cases are deliberately indistinguishable.
	ErrNotFound = errors.New("instance not found")

	// ErrBadPath is returned for upstream paths that escape the API root or
	// target the upstream login flow.
	ErrBadPath = errors.New("invalid upstream path")

	// ErrBodyTooLarge is returned when a request or response body exceeds
	// the configured limit.
	ErrBodyTooLarge = errors.New("body too large")

	// ErrUpstreamUnavailable is returned when the forwarded request could not
	// be completed at the transport level.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// RelayError carries a non-2xx upstream response that is passed through to
// the dashboard unchanged.
type RelayError struct {
	Status      int
	ContentType string
	Body        []byte
}

// Error implements the error interface
func (e *RelayError) Error() string {
	return fmt.Sprintf("upstream returned %d %s", e.Status, http.StatusText(e.Status))
}

// IsRelayError reports whether err wraps a RelayError.
func IsRelayError(err error) bool {
	var re *RelayError
	return errors.As(err, &re)
}
