package storage

import "errors"

// Common storage errors.
var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("key not found")

	// ErrExists is returned by Create when the key is already present.
	ErrExists = errors.New("key already exists")

	// ErrInvalidKey is returned for keys that are empty, absolute or escape the store.
	ErrInvalidKey = errors.New("invalid key")

	// ErrVersionNotFound is returned when a project version has no persisted state.
	ErrVersionNotFound = errors.New("version not found")
)
