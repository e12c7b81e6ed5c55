// Package store provides the durable key/value storage behind the entity
// cache and the deferred request queue.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Load when the key has no value.
var ErrNotFound = errors.New("key not found")

// Storage is a durable string-keyed byte store. Implementations must be
// safe for concurrent use.
type Storage interface {
	// Save stores value under key, replacing any previous value.
	Save(ctx context.Context, key string, value []byte) error

	// Load returns the value for key or ErrNotFound.
	Load(ctx context.Context, key string) ([]byte, error)

	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error

	// Keys lists keys starting with prefix in ascending order.
	// An empty prefix lists every key.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Clear removes every key starting with prefix.
	Clear(ctx context.Context, prefix string) error

	// Close releases resources held by the storage.
	Close() error
}
