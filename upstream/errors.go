package upstream

import (
	"errors"
	"fmt"
)

// Common errors returned by the upstream session cache.
var (
	// ErrAuthFailed matches every AuthError.
	ErrAuthFailed = errors.New("upstream authentication failed")

	// ErrCredentialsRejected indicates qBittorrent answered the login with
	// something other than "Ok.".
	ErrCredentialsRejected = errors.New("credentials rejected")

	// ErrNoSessionCookie indicates a successful login without a cookie.
	ErrNoSessionCookie = errors.New("login response carried no session cookie")
)

// AuthError reports a failed login against one instance.
type AuthError struct {
	InstanceID int64
	// Status is the HTTP status of the login response, 0 on network errors.
	Status int
	Err    error
}

// Error implements the error interface
func (e *AuthError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upstream authentication failed for instance %d: status %d: %v", e.InstanceID, e.Status, e.Err)
	}
	return fmt.Sprintf("upstream authentication failed for instance %d: %v", e.InstanceID, e.Err)
}

// Unwrap returns the underlying cause.
func (e *AuthError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrAuthFailed) true for any AuthError.
func (e *AuthError) Is(target error) bool {
	return target == ErrAuthFailed
}
