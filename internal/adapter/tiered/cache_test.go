package tiered_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/forgeflow/internal/adapter/lrucache"
	"github.com/Strob0t/forgeflow/internal/adapter/tiered"
	"github.com/Strob0t/forgeflow/internal/port/cache/cachetest"
)

// memCache is a simple in-memory cache for testing.
type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
	ttls map[string]time.Duration
	err  error
}

func newMemCache() *memCache {
	return &memCache{data: make(map[string][]byte), ttls: make(map[string]time.Duration)}
}

func (m *memCache) Get(_ context.Context, key string) (data []byte, ok bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, false, m.err
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.data[key] = value
	m.ttls[key] = ttl
	return nil
}

func (m *memCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func TestCompliance(t *testing.T) {
	l1, err := lrucache.New(64)
	if err != nil {
		t.Fatal(err)
	}
	l2, err := lrucache.New(64)
	if err != nil {
		t.Fatal(err)
	}
	cachetest.RunComplianceTests(t, tiered.New(l1, l2, time.Minute), cachetest.Options{})
}

func TestTiered_L1Hit(t *testing.T) {
	l1 := newMemCache()
	l2 := newMemCache()
	c := tiered.New(l1, l2, 5*time.Minute)

	l1.data["key1"] = []byte("val1")

	val, found, err := c.Get(context.Background(), "key1")
	if err != nil {
		t.Fatal(err)
	}
	if !found || string(val) != "val1" {
		t.Fatalf("expected L1 hit val1, got %q found=%v", val, found)
	}
	if s := c.Stats(); s.L1Hits != 1 || s.L2Hits != 0 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestTiered_L2HitWithBackfill(t *testing.T) {
	l1 := newMemCache()
	l2 := newMemCache()
	c := tiered.New(l1, l2, 5*time.Minute)

	l2.data["key2"] = []byte("val2")

	val, found, err := c.Get(context.Background(), "key2")
	if err != nil {
		t.Fatal(err)
	}
	if !found || string(val) != "val2" {
		t.Fatalf("expected L2 hit val2, got %q found=%v", val, found)
	}
	if string(l1.data["key2"]) != "val2" {
		t.Fatal("expected L1 backfill")
	}
	if l1.ttls["key2"] != 5*time.Minute {
		t.Fatalf("backfill ttl = %v, want 5m", l1.ttls["key2"])
	}
}

func TestTiered_SetCapsL1TTL(t *testing.T) {
	l1 := newMemCache()
	l2 := newMemCache()
	c := tiered.New(l1, l2, time.Minute)

	if err := c.Set(context.Background(), "k", []byte("v"), time.Hour); err != nil {
		t.Fatal(err)
	}
	if l1.ttls["k"] != time.Minute {
		t.Fatalf("L1 ttl = %v, want 1m", l1.ttls["k"])
	}
	if l2.ttls["k"] != time.Hour {
		t.Fatalf("L2 ttl = %v, want 1h", l2.ttls["k"])
	}
}

func TestTiered_L2ErrorAfterL1Miss(t *testing.T) {
	l1 := newMemCache()
	l2 := newMemCache()
	l2.err = errors.New("nats down")
	c := tiered.New(l1, l2, time.Minute)

	if _, _, err := c.Get(context.Background(), "k"); err == nil {
		t.Fatal("expected L2 error to surface")
	}
	if err := c.Set(context.Background(), "k", []byte("v"), time.Minute); err == nil {
		t.Fatal("expected L2 set error to surface")
	}
	if _, ok := l1.data["k"]; !ok {
		t.Fatal("L1 write must succeed even when L2 fails")
	}
	if s := c.Stats(); s.L2Errors != 2 {
		t.Fatalf("L2Errors = %d, want 2", s.L2Errors)
	}
}

func TestTiered_DeleteBoth(t *testing.T) {
	l1 := newMemCache()
	l2 := newMemCache()
	c := tiered.New(l1, l2, 5*time.Minute)

	l1.data["key4"] = []byte("val4")
	l2.data["key4"] = []byte("val4")

	if err := c.Delete(context.Background(), "key4"); err != nil {
		t.Fatal(err)
	}
	if _, ok := l1.data["key4"]; ok {
		t.Fatal("expected key4 deleted from L1")
	}
	if _, ok := l2.data["key4"]; ok {
		t.Fatal("expected key4 deleted from L2")
	}
}
