// Package storage is the session's persisted key/value space: the durable
// home of the attempt id, the pending queue, the audit mirror and the
// submission state. Every write is synchronous; a returned nil error means the
// value survives a process restart.
package storage

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("storage closed")

// Store is a durable string key/value space.
type Store interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set writes a single key.
	Set(ctx context.Context, key, value string) error
	// SetMany writes all entries atomically.
	SetMany(ctx context.Context, entries map[string]string) error
	// Delete removes key; deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
