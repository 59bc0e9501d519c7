package qbittorrent

import (
	"errors"
	"fmt"
)

// Common errors returned by the orphan scanner.
var (
	// ErrNoRules is returned when no orphan rule is configured.
	ErrNoRules = errors.New("no orphan rules configured")
)

// RuleError reports an orphan rule that failed to compile.
type RuleError struct {
	Name       string
	Expression string
	Err        error
}

// Error implements the error interface
func (e *RuleError) Error() string {
	return fmt.Sprintf("orphan rule %q: %v", e.Name, e.Err)
}

// Unwrap returns the underlying compile error.
func (e *RuleError) Unwrap() error {
	return e.Err
}
