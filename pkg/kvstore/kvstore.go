// Package kvstore abstracts the key-value store used for per-chat sync
// state. The revision-conditional write is what enforces the single-writer
// rule on cursor updates.
package kvstore

import (
	"context"
	"errors"
)

var (
	// ErrKeyNotFound is returned by Get for absent keys.
	ErrKeyNotFound = errors.New("key not found")
	// ErrRevisionMismatch is returned by SetIfRevision when the stored
	// revision differs from the expected one.
	ErrRevisionMismatch = errors.New("revision mismatch")
)

// Store is the key-value contract the engine depends on.
type Store interface {
	// Get returns the value stored at key and its current revision.
	Get(ctx context.Context, key string) (value []byte, rev int64, err error)
	// SetIfRevision stores value only if the key's current revision equals
	// expected (0 means the key must not exist yet) and returns the new
	// revision.
	SetIfRevision(ctx context.Context, key string, value []byte, expected int64) (int64, error)
	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Ping verifies connectivity.
	Ping(ctx context.Context) error
	Close() error
}
