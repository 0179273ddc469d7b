// ABOUTME: Durable key-value storage shared by sibling contexts of one origin.
// ABOUTME: Defines read/write/list operations plus best-effort change notification.

package kv

import "context"

// Event describes a change to a single key. A nil Value means the key was
// deleted. Delivery is best-effort: consumers must tolerate missed or
// reordered events and re-read the store when it matters.
type Event struct {
	Key   string
	Value []byte
}

// Store is the durable, synchronously-readable key-value store shared by all
// contexts of one origin. Writes are unsynchronized read-modify-write;
// callers keep them idempotent or last-writer-wins.
type Store interface {
	// Get returns the value for key, or nil with no error if the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, overwriting any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys returns all keys starting with prefix, in unspecified order.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Watch returns a channel of change events for the whole store. The
	// channel is closed when ctx is cancelled or the store is closed.
	Watch(ctx context.Context) (<-chan Event, error)

	// Close releases resources. Watch channels are closed.
	Close() error
}
