// Package ws streams bus events to WebSocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/Strob0t/forgeflow/internal/domain/event"
	"github.com/Strob0t/forgeflow/internal/port/broadcast"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

// conn tracks a single WebSocket connection.
type conn struct {
	channel string
	sub     broadcast.Subscription
}

// Hub subscribes each WebSocket connection to one bus channel and forwards
// its events. Slow clients lose events on the bus side, never stall it.
type Hub struct {
	bus          broadcast.Broadcaster
	buffer       int
	writeTimeout time.Duration

	mu    sync.RWMutex
	conns map[*conn]struct{}
}

// NewHub creates a hub reading from bus. buffer is the per-connection
// subscription buffer.
func NewHub(bus broadcast.Broadcaster, buffer int) *Hub {
	return &Hub{
		bus:          bus,
		buffer:       buffer,
		writeTimeout: 5 * time.Second,
		conns:        make(map[*conn]struct{}),
	}
}

// ValidChannel reports whether a client may subscribe to channel.
func ValidChannel(channel string) bool {
	if channel == event.GlobalChannel {
		return true
	}
	for _, prefix := range []string{"run:", "task:"} {
		if id, ok := strings.CutPrefix(channel, prefix); ok && id != "" {
			return true
		}
	}
	return false
}

// HandleWS upgrades the connection and streams events from the channel
// named by the "channel" query parameter (default: all events).
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		channel = event.GlobalChannel
	}
	if !ValidChannel(channel) {
		http.Error(w, "invalid channel", http.StatusBadRequest)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return
	}

	// CloseRead consumes control frames and cancels ctx when the peer goes away.
	ctx := ws.CloseRead(r.Context())
	c := &conn{channel: channel, sub: h.bus.Subscribe(ctx, channel, h.buffer)}
	h.add(c)
	defer h.remove(c)

	slog.Info("websocket connected", "remote", r.RemoteAddr, "channel", channel)

	for {
		select {
		case <-ctx.Done():
			_ = ws.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-c.sub.Events():
			if !ok {
				_ = ws.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := h.write(ctx, ws, channel, ev); err != nil {
				slog.Debug("websocket write failed", "channel", channel, "error", err)
				_ = ws.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, ws *websocket.Conn, channel string, ev event.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	data, err := json.Marshal(Message{Type: string(ev.Type), Channel: channel, Payload: payload})
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	return ws.Write(wctx, websocket.MessageText, data)
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) add(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c] = struct{}{}
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c]; ok {
		h.bus.Unsubscribe(c.sub)
		delete(h.conns, c)
		slog.Info("websocket disconnected", "channel", c.channel)
	}
}
