package session

import "errors"

// ErrInvalid is returned for unknown, malformed and expired session ids
// alike, so callers cannot tell which one it was.
var ErrInvalid = errors.New("invalid session")
