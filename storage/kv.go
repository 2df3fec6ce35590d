// Package storage persists nova state: version snapshots, escalations, run
// logs and commit logs. Keys are slash-separated paths; values are JSON.
package storage

import (
	"context"
	"fmt"
	"strings"
)

// KV is the byte store behind a Repository.
type KV interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put replaces the value atomically. Readers see the old or the new value, never a mix.
	Put(ctx context.Context, key string, value []byte) error

	// Create stores the value only if the key is absent, otherwise ErrExists.
	Create(ctx context.Context, key string, value []byte) error

	// List returns the keys starting with prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)

	Close() error
}

// Watcher is implemented by backends that can report changed keys.
type Watcher interface {
	// Watch sends the key of every write under prefix until ctx is done.
	Watch(ctx context.Context, prefix string) (<-chan string, error)
}

// ValidateKey rejects keys that cannot be stored safely by every backend.
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." || strings.HasPrefix(part, ".") {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
		for _, r := range part {
			if !isKeyRune(r) {
				return fmt.Errorf("%w: %q contains %q", ErrInvalidKey, key, r)
			}
		}
	}
	return nil
}

func isKeyRune(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' ||
		r == '-' || r == '_' || r == '='
}
