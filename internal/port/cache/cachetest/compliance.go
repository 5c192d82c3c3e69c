// Package cachetest provides the compliance suite every cache.Cache backend must pass.
package cachetest

import (
	"context"
	"testing"
	"time"

	"github.com/Strob0t/forgeflow/internal/port/cache"
)

// Options tunes the suite for backends with asynchronous writes or
// bucket-level expiry.
type Options struct {
	// Settle is called after each write, e.g. to wait for ristretto's buffers.
	Settle func()
	// SkipTTL disables the physical-expiry check for backends whose TTL is
	// not per entry.
	SkipTTL bool
}

// RunComplianceTests runs the standard compliance test suite against any Cache implementation.
func RunComplianceTests(t *testing.T, c cache.Cache, opts Options) {
	t.Helper()
	ctx := context.Background()
	settle := opts.Settle
	if settle == nil {
		settle = func() {}
	}

	t.Run("SetAndGet", func(t *testing.T) {
		if err := c.Set(ctx, "compliance-key", []byte("compliance-val"), time.Minute); err != nil {
			t.Fatal(err)
		}
		settle()
		val, found, err := c.Get(ctx, "compliance-key")
		if err != nil {
			t.Fatal(err)
		}
		if !found {
			t.Fatal("expected found after Set")
		}
		if string(val) != "compliance-val" {
			t.Fatalf("expected compliance-val, got %s", val)
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		_, found, err := c.Get(ctx, "nonexistent-key")
		if err != nil {
			t.Fatal(err)
		}
		if found {
			t.Fatal("expected miss for nonexistent key")
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = c.Set(ctx, "del-key", []byte("del-val"), time.Minute)
		settle()
		if err := c.Delete(ctx, "del-key"); err != nil {
			t.Fatal(err)
		}
		settle()
		_, found, err := c.Get(ctx, "del-key")
		if err != nil {
			t.Fatal(err)
		}
		if found {
			t.Fatal("expected miss after Delete")
		}
	})

	t.Run("DeleteNonexistent", func(t *testing.T) {
		if err := c.Delete(ctx, "never-existed"); err != nil {
			t.Fatal("Delete of nonexistent key should not error")
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		_ = c.Set(ctx, "ow-key", []byte("v1"), time.Minute)
		settle()
		_ = c.Set(ctx, "ow-key", []byte("v2"), time.Minute)
		settle()
		val, found, err := c.Get(ctx, "ow-key")
		if err != nil {
			t.Fatal(err)
		}
		if !found {
			t.Fatal("expected found after overwrite")
		}
		if string(val) != "v2" {
			t.Fatalf("expected v2 after overwrite, got %s", val)
		}
	})

	if opts.SkipTTL {
		return
	}
	t.Run("Expiry", func(t *testing.T) {
		_ = c.Set(ctx, "ttl-key", []byte("v"), 50*time.Millisecond)
		settle()
		time.Sleep(1100 * time.Millisecond)
		_, found, err := c.Get(ctx, "ttl-key")
		if err != nil {
			t.Fatal(err)
		}
		if found {
			t.Fatal("expected miss after TTL elapsed")
		}
	})
}
