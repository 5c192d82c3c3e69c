// Package eventbus implements the broadcast port as an in-process pub/sub bus.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/Strob0t/forgeflow/internal/domain/event"
	"github.com/Strob0t/forgeflow/internal/port/broadcast"
)

// DefaultBuffer is the subscriber buffer used when Subscribe is given none.
const DefaultBuffer = 64

type subscription struct {
	id      string
	channel string
	ctx     context.Context
	ch      chan event.Event
	dropped atomic.Uint64
	closed  bool // guarded by Bus.mu write lock
}

func (s *subscription) ID() string                 { return s.id }
func (s *subscription) Channel() string            { return s.channel }
func (s *subscription) Events() <-chan event.Event { return s.ch }
func (s *subscription) Dropped() uint64            { return s.dropped.Load() }

// Option configures a Bus.
type Option func(*Bus)

// WithDropHook registers fn to be called whenever an event is dropped for a
// slow subscriber. fn runs on the publisher's goroutine and must not block.
func WithDropHook(fn func(channel string, ev event.Event)) Option {
	return func(b *Bus) { b.onDrop = fn }
}

// Bus is a best-effort, at-most-once fan-out bus. Delivery never blocks the
// publisher: a subscriber with a full buffer loses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[string]*subscription // channel -> id -> sub
	closed bool
	onDrop func(channel string, ev event.Event)

	published atomic.Uint64
	dropped   atomic.Uint64
}

var _ broadcast.Broadcaster = (*Bus)(nil)

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{subs: make(map[string]map[string]*subscription)}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe registers a subscription on channel. It expires when ctx is
// done and is removed on the next Publish or Unsubscribe.
func (b *Bus) Subscribe(ctx context.Context, channel string, buffer int) broadcast.Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s := &subscription{
		id:      uuid.NewString(),
		channel: channel,
		ctx:     ctx,
		ch:      make(chan event.Event, buffer),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.closed = true
		close(s.ch)
		return s
	}
	m, ok := b.subs[channel]
	if !ok {
		m = make(map[string]*subscription)
		b.subs[channel] = m
	}
	m[s.id] = s
	return s
}

// Unsubscribe removes sub and closes its event channel. It is idempotent.
func (b *Bus) Unsubscribe(sub broadcast.Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.subs[sub.Channel()]; ok {
		if s, ok := m[sub.ID()]; ok {
			b.removeLocked(s)
		}
	}
	b.collectLocked()
}

// Publish delivers ev to subscribers of channels and of the global channel.
// A subscriber registered on more than one of them receives ev once.
func (b *Bus) Publish(_ context.Context, ev event.Event, channels ...string) {
	expired := false

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	b.published.Add(1)
	targets := make([]string, 0, len(channels)+1)
	targets = append(targets, channels...)
	targets = append(targets, event.GlobalChannel)
	seen := make(map[string]struct{}, len(targets))
	for _, ch := range targets {
		if _, dup := seen[ch]; dup {
			continue
		}
		seen[ch] = struct{}{}
		for _, s := range b.subs[ch] {
			if s.ctx.Err() != nil {
				expired = true
				continue
			}
			select {
			case s.ch <- ev:
			default:
				s.dropped.Add(1)
				b.dropped.Add(1)
				if b.onDrop != nil {
					b.onDrop(ch, ev)
				}
			}
		}
	}
	b.mu.RUnlock()

	if expired {
		b.mu.Lock()
		b.collectLocked()
		b.mu.Unlock()
	}
}

// Close closes every subscription. Later publishes are ignored and later
// subscriptions are returned already closed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, m := range b.subs {
		for _, s := range m {
			b.removeLocked(s)
		}
	}
	slog.Debug("event bus closed")
}

// SubscriberCount returns the number of live registrations on channel.
func (b *Bus) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

// Stats returns the total published and dropped event counts.
func (b *Bus) Stats() (published, dropped uint64) {
	return b.published.Load(), b.dropped.Load()
}

func (b *Bus) removeLocked(s *subscription) {
	if m, ok := b.subs[s.channel]; ok {
		delete(m, s.id)
		if len(m) == 0 {
			delete(b.subs, s.channel)
		}
	}
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// collectLocked removes subscriptions whose context has expired.
func (b *Bus) collectLocked() {
	for _, m := range b.subs {
		for _, s := range m {
			if s.ctx.Err() != nil {
				b.removeLocked(s)
			}
		}
	}
}
