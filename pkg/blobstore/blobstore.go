// Package blobstore abstracts the blob store that holds snapshot manifests
// and segment blobs.
package blobstore

import (
	"context"
	"errors"
	"io"
)

// ErrBlobNotFound is returned by Get for absent keys.
var ErrBlobNotFound = errors.New("blob not found")

// Store is the blob contract the backup manager depends on.
type Store interface {
	// Put stores the contents of r under key, replacing any existing blob.
	Put(ctx context.Context, key string, r io.Reader) error
	// Get opens the blob stored under key.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// List returns all keys with the given prefix in lexicographic order.
	List(ctx context.Context, prefix string) ([]string, error)
	// Delete removes a blob. Deleting an absent blob is not an error.
	Delete(ctx context.Context, key string) error
	// Ping verifies connectivity.
	Ping(ctx context.Context) error
	Close() error
}
