package memory

import (
	"context"
	"strings"
	"testing"

	memport "github.com/Strob0t/forgeflow/internal/port/memory"
)

func TestAppendAndList(t *testing.T) {
	ctx := context.Background()
	s := New(0)

	_ = s.Append(ctx, "r1", memport.Message{Role: "user", Phase: "analyze", Content: "add a health endpoint"})
	_ = s.Append(ctx, "r1", memport.Message{Role: "assistant", Phase: "analyze", Content: "complexity: S"})
	_ = s.Append(ctx, "r2", memport.Message{Role: "user", Phase: "analyze", Content: "other"})

	msgs, err := s.ListMessages(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[1].Content != "complexity: S" {
		t.Fatalf("unexpected messages %+v", msgs)
	}
	if msgs[0].CreatedAt.IsZero() {
		t.Fatal("expected CreatedAt to be stamped")
	}

	msgs[0].Content = "mutated"
	again, _ := s.ListMessages(ctx, "r1")
	if again[0].Content == "mutated" {
		t.Fatal("ListMessages must return a copy")
	}
}

func TestAppendRequiresRunID(t *testing.T) {
	if err := New(0).Append(context.Background(), "", memport.Message{}); err == nil {
		t.Fatal("expected error for empty run id")
	}
}

func TestCapDropsOldest(t *testing.T) {
	ctx := context.Background()
	s := New(2)
	for _, c := range []string{"a", "b", "c"} {
		_ = s.Append(ctx, "r1", memport.Message{Role: "user", Content: c})
	}
	msgs, _ := s.ListMessages(ctx, "r1")
	if len(msgs) != 2 || msgs[0].Content != "b" || msgs[1].Content != "c" {
		t.Fatalf("expected [b c], got %+v", msgs)
	}
}

func TestGetMemoryAndClear(t *testing.T) {
	ctx := context.Background()
	s := New(0)
	_ = s.Append(ctx, "r1", memport.Message{Role: "assistant", Phase: "review", Content: "add a timeout"})

	text, err := s.GetMemory(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(text, "[review/assistant]") || !strings.Contains(text, "add a timeout") {
		t.Fatalf("unexpected rendering %q", text)
	}

	if err := s.ClearMemory(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	if s.Runs() != 0 {
		t.Fatal("expected run history to be cleared")
	}
	if text, _ := s.GetMemory(ctx, "r1"); text != "" {
		t.Fatalf("expected empty memory, got %q", text)
	}
}
