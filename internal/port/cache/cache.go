// Package cache defines the key-value cache port. The control plane uses it
// for the message dedup window; entries are small and expendable, so a cache
// miss is never an error.
package cache

import (
	"context"
	"time"
)

// Cache is the port interface for TTL-bounded key-value caching.
type Cache interface {
	// Get returns the value and whether the key was present. A miss returns
	// (nil, false, nil).
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores a value with a TTL. ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes a key; deleting an absent key is a no-op.
	Delete(ctx context.Context, key string) error
}
