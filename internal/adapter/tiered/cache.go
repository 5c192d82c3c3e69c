// Package tiered implements a two-level (L1 + L2) cache adapter.
package tiered

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/Strob0t/forgeflow/internal/port/cache"
)

// Stats counts where reads were served from.
type Stats struct {
	L1Hits   uint64
	L2Hits   uint64
	Misses   uint64
	L2Errors uint64
}

// Cache combines an L1 (in-process) and L2 (shared) cache.
// Get checks L1 first, then L2, backfilling L1 on an L2 hit.
// Set and Delete operate on both levels.
type Cache struct {
	l1       cache.Cache
	l2       cache.Cache
	l1Expire time.Duration

	l1Hits, l2Hits, misses, l2Errors atomic.Uint64
}

// New creates a tiered cache with the given L1 and L2 backends.
// l1Expire caps how long L2 backfill entries live in L1.
func New(l1, l2 cache.Cache, l1Expire time.Duration) *Cache {
	return &Cache{l1: l1, l2: l2, l1Expire: l1Expire}
}

// Get checks L1, then L2. An L2 failure after an L1 miss is returned to the
// caller, which decides whether to degrade to a miss.
func (c *Cache) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	val, found, err := c.l1.Get(ctx, key)
	if err == nil && found {
		c.l1Hits.Add(1)
		return val, true, nil
	}

	val, found, err = c.l2.Get(ctx, key)
	if err != nil {
		c.l2Errors.Add(1)
		return nil, false, err
	}
	if !found {
		c.misses.Add(1)
		return nil, false, nil
	}
	c.l2Hits.Add(1)
	_ = c.l1.Set(ctx, key, val, c.l1Expire)
	return val, true, nil
}

// Set writes to both levels. L1 uses the shorter of ttl and l1Expire.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	l1TTL := ttl
	if c.l1Expire > 0 && (l1TTL <= 0 || c.l1Expire < l1TTL) {
		l1TTL = c.l1Expire
	}
	err1 := c.l1.Set(ctx, key, value, l1TTL)
	err2 := c.l2.Set(ctx, key, value, ttl)
	if err2 != nil {
		c.l2Errors.Add(1)
	}
	return errors.Join(err1, err2)
}

// Delete removes from both levels.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return errors.Join(c.l1.Delete(ctx, key), c.l2.Delete(ctx, key))
}

// Stats returns a snapshot of the read counters.
func (c *Cache) Stats() Stats {
	return Stats{
		L1Hits:   c.l1Hits.Load(),
		L2Hits:   c.l2Hits.Load(),
		Misses:   c.misses.Load(),
		L2Errors: c.l2Errors.Load(),
	}
}
