package store

import (
	"errors"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Common errors returned by the store.
var (
	// ErrNotFound is returned when a row does not exist or is not owned by
	// the requesting user. The two cases are deliberately not distinguished.
	ErrNotFound = errors.New("not found")

	// ErrUsernameTaken is returned when registering an existing username.
	ErrUsernameTaken = errors.New("username already exists")

	// ErrLabelTaken is returned when a user already has an instance or
	// integration with the same label.
	ErrLabelTaken = errors.New("label already exists")
)

// isUniqueViolation identifies SQLite unique constraint failures.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}
