// Package lrucache implements the cache port on hashicorp/golang-lru, an
// in-process cache bounded by entry count with per-entry expiry.
package lrucache

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type entry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// Cache is an LRU-capped cache. Expired entries are removed on read.
type Cache struct {
	c   *lru.Cache[string, entry]
	now func() time.Time
}

// New creates an LRU cache holding at most size entries.
func New(size int) (*Cache, error) {
	c, err := lru.New[string, entry](size)
	if err != nil {
		return nil, err
	}
	return &Cache{c: c, now: time.Now}, nil
}

// Get retrieves a value, treating expired entries as misses.
func (c *Cache) Get(_ context.Context, key string) (data []byte, ok bool, err error) {
	e, found := c.c.Get(key)
	if !found {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt) {
		c.c.Remove(key)
		return nil, false, nil
	}
	return e.value, true, nil
}

// Set stores a copy of value, replacing any previous entry.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	c.c.Add(key, e)
	return nil
}

// Delete removes a value from the cache.
func (c *Cache) Delete(_ context.Context, key string) error {
	c.c.Remove(key)
	return nil
}

// Len returns the number of entries, including expired ones not yet read.
func (c *Cache) Len() int { return c.c.Len() }
