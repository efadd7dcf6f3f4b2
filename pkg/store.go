package pkg

import (
	"context"
	"time"
)

// Store is the durable byte-oriented key-value collaborator consumed by the
// transaction log, the acceptor and the DHT value store.
type Store interface {
	// Get returns ErrKeyNotFound when the key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key. A zero ttl never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	Close() error
}

var (
	_ Store = (*MemoryStorage)(nil)
	_ Store = (*BoltBucket)(nil)
)
