package secret

import "errors"

// Common errors returned by the secret codec.
var (
	// ErrCorruptSecret is returned when a stored ciphertext cannot be
	// authenticated. The credential it held is unusable until re-entered.
	ErrCorruptSecret = errors.New("stored secret cannot be decrypted")

	// ErrEmptyKey is returned when the codec is created without key material.
	ErrEmptyKey = errors.New("secret key material is empty")
)
