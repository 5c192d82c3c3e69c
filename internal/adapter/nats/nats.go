// Package nats relays bus events to NATS JetStream so other processes can
// follow runs, and exposes the KV buckets used as a shared cache.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/forgeflow/internal/domain/event"
	"github.com/Strob0t/forgeflow/internal/port/broadcast"
)

const (
	streamName    = "FORGEFLOW_EVENTS"
	subjectPrefix = "forgeflow.events"
)

// Conn is a NATS connection with JetStream and the event stream ensured.
type Conn struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// Connect establishes a connection to NATS and ensures the event stream
// exists. maxAge bounds how long relayed events are retained.
func Connect(ctx context.Context, url string, maxAge time.Duration) (*Conn, error) {
	nc, err := nats.Connect(url, nats.Name("forgeflow"))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       streamName,
		Subjects:   []string{subjectPrefix + ".>"},
		MaxAge:     maxAge,
		Duplicates: time.Minute,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	slog.Info("nats connected", "url", url, "stream", streamName)
	return &Conn{nc: nc, js: js}, nil
}

// JetStream returns the JetStream context, e.g. for opening KV buckets.
func (c *Conn) JetStream() jetstream.JetStream { return c.js }

// KeyValue creates or updates a KV bucket with the given max age.
func (c *Conn) KeyValue(ctx context.Context, bucket string, ttl time.Duration) (jetstream.KeyValue, error) {
	kv, err := c.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: bucket, TTL: ttl})
	if err != nil {
		return nil, fmt.Errorf("nats kv %s: %w", bucket, err)
	}
	return kv, nil
}

// Subject returns the subject an event is relayed on:
// forgeflow.events.<run id>.<event type>.
func Subject(ev event.Event) string {
	return subjectPrefix + "." + token(ev.RunID) + "." + token(string(ev.Type))
}

// RunSubjects returns the filter matching every event of one run.
func RunSubjects(runID string) string {
	return subjectPrefix + "." + token(runID) + ".>"
}

func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n':
			return '_'
		}
		return r
	}, s)
}

// Publish stores one event on the stream. The event ID is used as the
// JetStream message ID so replays are de-duplicated.
func (c *Conn) Publish(ctx context.Context, ev event.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := Subject(ev)
	if _, err := c.js.Publish(ctx, subject, data, jetstream.WithMsgID(ev.ID)); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Relay forwards every event published on bus to JetStream until ctx is
// done. Publish failures are logged and do not stop the relay.
func (c *Conn) Relay(ctx context.Context, bus broadcast.Broadcaster, buffer int) {
	sub := bus.Subscribe(ctx, event.GlobalChannel, buffer)
	defer bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := c.Publish(pctx, ev); err != nil {
				slog.Warn("event relay failed", "run_id", ev.RunID, "type", ev.Type, "error", err)
			}
			cancel()
		}
	}
}

// Tail delivers a run's relayed events, oldest first, to handler until the
// returned stop function is called.
func (c *Conn) Tail(ctx context.Context, runID string, handler func(event.Event)) (func(), error) {
	consumer, err := c.js.OrderedConsumer(ctx, streamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{RunSubjects(runID)},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		var ev event.Event
		if err := json.Unmarshal(msg.Data(), &ev); err != nil {
			slog.Error("relayed event decode failed", "subject", msg.Subject(), "error", err)
			return
		}
		handler(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}

	return cons.Stop, nil
}

// Close drains and shuts down the NATS connection.
func (c *Conn) Close() error {
	return c.nc.Drain()
}
