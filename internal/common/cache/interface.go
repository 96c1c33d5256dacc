package cache

import (
	"context"
	"time"
)

// Cache is the key-value subset used for run status records.
type Cache interface {
	// Get retrieves the value for the given key
	// A missing key returns "" and a nil error
	Get(ctx context.Context, key string) (string, error)

	// Set stores a key-value pair with optional TTL
	// If ttl is 0, the key will not expire
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Del deletes one or more keys
	Del(ctx context.Context, keys ...string) error

	// Ping verifies the cache connection is alive
	Ping(ctx context.Context) error

	// Close closes the cache connection
	Close() error
}
