package kvstore

import (
	"context"
	"errors"
)

// DefaultPageSize is used by listings when the caller passes no page size.
const DefaultPageSize = 256

// ErrNotFound is returned by Get when no value exists for the key.
var ErrNotFound = errors.New("key not found")

// Store is the metadata store the transfer packages are built on.
// Implementations must be safe for concurrent use. Single-key operations only,
// no cross-key atomicity is assumed anywhere.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// List calls fn with pages of up to pageSize keys matching prefix, in
	// unspecified order. An error returned by fn stops the listing.
	List(ctx context.Context, prefix string, pageSize int, fn func(keys []string) error) error
}
