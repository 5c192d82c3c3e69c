// Package natskv implements the cache port on a NATS JetStream KeyValue
// bucket, shared between engine instances.
package natskv

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/crypto/blake2b"
)

// Cache wraps a NATS JetStream KeyValue store. Expiry is the bucket's max
// age; callers needing exact per-entry expiry check timestamps themselves.
type Cache struct {
	kv jetstream.KeyValue
}

// New creates a NATS KV-backed cache.
func New(kv jetstream.KeyValue) *Cache {
	return &Cache{kv: kv}
}

// Open creates or updates the bucket with the given max age and returns a cache on it.
func Open(ctx context.Context, js jetstream.JetStream, bucket string, ttl time.Duration) (*Cache, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "forgeflow response cache",
		TTL:         ttl,
	})
	if err != nil {
		return nil, err
	}
	return New(kv), nil
}

// Get retrieves a value from the NATS KV store.
func (c *Cache) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	entry, err := c.kv.Get(ctx, kvKey(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return entry.Value(), true, nil
}

// Set stores a value in the NATS KV store. The ttl argument is ignored.
func (c *Cache) Set(ctx context.Context, key string, value []byte, _ time.Duration) error {
	_, err := c.kv.Put(ctx, kvKey(key), value)
	return err
}

// Delete removes a value from the NATS KV store.
func (c *Cache) Delete(ctx context.Context, key string) error {
	err := c.kv.Delete(ctx, kvKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}

// kvKey maps arbitrary keys onto the KV key alphabet. Keys that are already
// valid pass through so they stay readable in `nats kv` tooling.
func kvKey(key string) string {
	if key != "" && strings.IndexFunc(key, invalidKeyRune) < 0 {
		return key
	}
	sum := blake2b.Sum256([]byte(key))
	return "h." + hex.EncodeToString(sum[:])
}

func invalidKeyRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	case r == '-' || r == '_' || r == '.' || r == '=' || r == '/':
		return false
	}
	return true
}
