// Package tiered implements a two-level (L1 + L2) cache adapter.
package tiered

import (
	"context"
	"time"

	"github.com/convoke-io/convoke/internal/port/cache"
)

// Cache combines an in-process L1 with a shared L2.
// Get checks L1 first, then L2, backfilling L1 on an L2 hit.
// Set writes L2 before L1 so a crash between the two writes can never leave
// a dedup mark that only this process can see.
type Cache struct {
	l1       cache.Cache
	l2       cache.Cache
	backfill time.Duration
}

// New creates a tiered cache. backfill controls how long L2 hits live in L1.
func New(l1, l2 cache.Cache, backfill time.Duration) *Cache {
	return &Cache{l1: l1, l2: l2, backfill: backfill}
}

// Get checks L1, then L2. On L2 hit, backfills L1.
func (c *Cache) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	val, found, err := c.l1.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if found {
		return val, true, nil
	}

	val, found, err = c.l2.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if found {
		_ = c.l1.Set(ctx, key, val, c.backfill)
		return val, true, nil
	}

	return nil, false, nil
}

// Set writes to L2 first, then L1.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.l2.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	return c.l1.Set(ctx, key, value, ttl)
}

// Delete removes from both levels. L1 is cleared even if L2 fails so a
// stale local entry cannot mask the shared state.
func (c *Cache) Delete(ctx context.Context, key string) error {
	l1Err := c.l1.Delete(ctx, key)
	if err := c.l2.Delete(ctx, key); err != nil {
		return err
	}
	return l1Err
}
