package tokens

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pkoukk/tiktoken-go"
)

func TestEstimate(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"   ", 0},
		{"a", 1},
		{"one two three", 3},
		{"abcdefghijklmnopqrstuvwxyz", 6},
	}
	for _, tt := range tests {
		if got := Estimate(tt.in); got != tt.want {
			t.Errorf("Estimate(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestCount(t *testing.T) {
	if Count("") != 0 {
		t.Fatal("empty text must count 0")
	}
	short := Count("add a health endpoint")
	long := Count("add a health endpoint that reports the status of every configured provider and the cache backend")
	if short <= 0 || long <= short {
		t.Fatalf("expected positive, monotonic counts, got %d and %d", short, long)
	}
}

func TestCountDoesNotWaitForEncoding(t *testing.T) {
	release := make(chan struct{})
	c := newCounter(func() (*tiktoken.Tiktoken, error) {
		<-release
		return nil, errors.New("offline")
	})

	done := make(chan int, 1)
	go func() { done <- c.count("one two three") }()
	select {
	case n := <-done:
		if n != 3 {
			t.Fatalf("expected the estimate while loading, got %d", n)
		}
	case <-time.After(time.Second):
		t.Fatal("count blocked on the encoding load")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.preload(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	close(release)
	if err := c.preload(context.Background()); !errors.Is(err, ErrEncodingUnavailable) {
		t.Fatalf("expected ErrEncodingUnavailable, got %v", err)
	}
	if n := c.count("one two three"); n != 3 {
		t.Fatalf("expected the estimate after a failed load, got %d", n)
	}
}
