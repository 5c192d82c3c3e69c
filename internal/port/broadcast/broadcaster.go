// Package broadcast defines the port for fanning lifecycle events out to subscribers.
package broadcast

import (
	"context"

	"github.com/Strob0t/forgeflow/internal/domain/event"
)

// Subscription is a live registration on one channel.
type Subscription interface {
	ID() string
	Channel() string
	// Events yields delivered events. It is closed on Unsubscribe, on
	// expiry of the subscribe context, or when the broadcaster closes.
	Events() <-chan event.Event
	// Dropped counts events discarded because the buffer was full.
	Dropped() uint64
}

// Broadcaster distributes events to subscribers of named channels.
// Publish never blocks on a slow subscriber.
type Broadcaster interface {
	// Publish delivers ev to every subscriber of any listed channel and of
	// event.GlobalChannel, at most once per subscriber.
	Publish(ctx context.Context, ev event.Event, channels ...string)
	// Subscribe registers on channel with the given buffer size. The
	// subscription expires when ctx is done.
	Subscribe(ctx context.Context, channel string, buffer int) Subscription
	Unsubscribe(sub Subscription)
}
