package natskv

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/forgeflow/internal/port/cache/cachetest"
)

func TestKVKey(t *testing.T) {
	if got := kvKey("abc-123.def"); got != "abc-123.def" {
		t.Fatalf("valid key rewritten: %q", got)
	}
	got := kvKey("run:1 analyze")
	if got == "run:1 analyze" || len(got) != 2+64 {
		t.Fatalf("invalid key not hashed: %q", got)
	}
	if kvKey("run:1 analyze") != got {
		t.Fatal("hashing must be stable")
	}
}

func TestCompliance(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}
	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(nc.Close)
	js, err := jetstream.New(nc)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	c, err := Open(ctx, js, "forgeflow-test-cache", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = js.DeleteKeyValue(ctx, "forgeflow-test-cache") })

	cachetest.RunComplianceTests(t, c, cachetest.Options{SkipTTL: true})
}
