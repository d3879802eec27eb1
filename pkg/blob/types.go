// Package blob stores opaque objects under slash-separated keys.
package blob

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned for keys that hold no object.
var ErrNotFound = errors.New("blob not found")

// ErrInvalidKey is returned for empty, absolute or escaping keys.
var ErrInvalidKey = errors.New("invalid blob key")

// Store is a flat object store.
type Store interface {
	// Put writes the content of reader under key, replacing any previous object.
	Put(ctx context.Context, key string, reader io.Reader) error

	// Get opens the object stored under key.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// List returns the keys starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes the object stored under key.
	Delete(ctx context.Context, key string) error
}
