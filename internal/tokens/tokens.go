// Package tokens estimates token counts for providers that do not report usage.
package tokens

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkoukk/tiktoken-go"
)

// cl100k_base is close enough for Claude and most OpenAI-compatible models.
const encodingName = "cl100k_base"

// ErrEncodingUnavailable is returned by Preload when the encoding failed to load.
var ErrEncodingUnavailable = errors.New("token encoding unavailable")

// counter loads its encoding once in the background. Counting never waits
// for the load: until it completes the heuristic estimate is used.
type counter struct {
	load func() (*tiktoken.Tiktoken, error)
	once sync.Once
	done chan struct{}
	enc  atomic.Pointer[tiktoken.Tiktoken]
}

func newCounter(load func() (*tiktoken.Tiktoken, error)) *counter {
	return &counter{load: load, done: make(chan struct{})}
}

func (c *counter) start() {
	c.once.Do(func() {
		go func() {
			defer close(c.done)
			enc, err := c.load()
			if err != nil {
				slog.Warn("token encoding unavailable, using estimates", "encoding", encodingName, "error", err)
				return
			}
			c.enc.Store(enc)
		}()
	})
}

func (c *counter) preload(ctx context.Context) error {
	c.start()
	select {
	case <-c.done:
		if c.enc.Load() == nil {
			return ErrEncodingUnavailable
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *counter) count(text string) int {
	if text == "" {
		return 0
	}
	c.start()
	if enc := c.enc.Load(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return Estimate(text)
}

var std = newCounter(func() (*tiktoken.Tiktoken, error) { return tiktoken.GetEncoding(encodingName) })

// Preload starts loading the encoding (which may download the BPE file) and
// waits until it is ready or ctx is done. The load continues in the
// background after ctx expires.
func Preload(ctx context.Context) error {
	return std.preload(ctx)
}

// Count returns the cl100k_base token count of text. While the encoding is
// loading, or when it cannot be loaded, the heuristic estimate is returned.
func Count(text string) int {
	return std.count(text)
}

// Estimate returns max(runes/4, words), at least 1 for non-blank text.
func Estimate(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	estimate := len([]rune(trimmed)) / 4
	if words := len(strings.Fields(trimmed)); estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}
