package service

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/blake2b"

	ffotel "github.com/Strob0t/forgeflow/internal/adapter/otel"
	"github.com/Strob0t/forgeflow/internal/port/cache"
)

// cacheEnvelope is the immutable record written to the backend. Expiry is
// decided from InsertedAt, so backends that keep entries past their TTL
// never serve stale payloads.
type cacheEnvelope struct {
	Payload    []byte    `json:"payload"`
	InsertedAt time.Time `json:"inserted_at"`
	TTLSeconds float64   `json:"ttl_seconds"`
}

// ResponseCache memoizes model responses by content hash. Backend failures
// degrade to misses and are never returned to callers.
type ResponseCache struct {
	backend cache.Cache
	metrics *ffotel.Metrics
	now     func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
	errors atomic.Int64
}

// NewResponseCache wraps backend. A nil backend yields a cache that always misses.
func NewResponseCache(backend cache.Cache, metrics *ffotel.Metrics) *ResponseCache {
	return &ResponseCache{backend: backend, metrics: metrics, now: time.Now}
}

// Get returns the payload stored under key if it has not expired.
func (c *ResponseCache) Get(ctx context.Context, key string) ([]byte, bool) {
	payload, ok := c.lookup(ctx, key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	c.metrics.CacheLookup(ctx, ok)
	return payload, ok
}

func (c *ResponseCache) lookup(ctx context.Context, key string) ([]byte, bool) {
	if c.backend == nil {
		return nil, false
	}
	raw, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		c.errors.Add(1)
		slog.Warn("response cache get failed", "key", key, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}

	var env cacheEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.errors.Add(1)
		slog.Warn("response cache entry corrupt", "key", key, "error", err)
		return nil, false
	}
	ttl := time.Duration(env.TTLSeconds * float64(time.Second))
	if c.now().Sub(env.InsertedAt) >= ttl {
		if err := c.backend.Delete(ctx, key); err != nil {
			slog.Debug("response cache delete of expired entry failed", "key", key, "error", err)
		}
		return nil, false
	}
	return env.Payload, true
}

// Put stores payload under key for ttl, replacing any previous entry.
// A non-positive ttl is a no-op.
func (c *ResponseCache) Put(ctx context.Context, key string, payload []byte, ttl time.Duration) {
	if c.backend == nil || ttl <= 0 {
		return
	}
	env := cacheEnvelope{
		Payload:    append([]byte(nil), payload...),
		InsertedAt: c.now(),
		TTLSeconds: ttl.Seconds(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		c.errors.Add(1)
		return
	}
	if err := c.backend.Set(ctx, key, data, ttl); err != nil {
		c.errors.Add(1)
		slog.Warn("response cache put failed", "key", key, "error", err)
	}
}

// CacheStats is a point-in-time view of cache counters.
type CacheStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Errors int64 `json:"errors"`
}

// Stats returns the cache counters.
func (c *ResponseCache) Stats() CacheStats {
	return CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load(), Errors: c.errors.Load()}
}

// CacheKey derives a stable key from prompt parts. Parts are lower-cased
// and whitespace-collapsed before hashing so cosmetic differences share an entry.
func CacheKey(parts ...string) string {
	h, _ := blake2b.New256(nil)
	for _, p := range parts {
		h.Write([]byte(strings.Join(strings.Fields(strings.ToLower(p)), " ")))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
