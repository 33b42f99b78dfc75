// Package blobstore stores finished transfer artifacts. A blob becomes visible
// under its key only once it has been written completely.
package blobstore

import (
	"context"
	"errors"
	"io"
)

// ErrNotExist is returned by Open for a key that holds no blob.
var ErrNotExist = errors.New("blob does not exist")

// Store is an artifact store keyed by slash-separated relative keys.
type Store interface {
	// Put streams r under key and returns the number of bytes written. If r
	// fails, nothing is left under key and the reader's error is returned
	// unchanged (wrapped).
	Put(ctx context.Context, key string, r io.Reader) (int64, error)
	// Open returns a reader for key and the blob size, or ErrNotExist.
	Open(ctx context.Context, key string) (io.ReadCloser, int64, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}
