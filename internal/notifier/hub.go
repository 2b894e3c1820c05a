package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Hub is a server-side websocket fan-out of order_completed/
// order_cancelled events, grounded on the retrieved pack's
// pkg/api/websocket.go client-registry pattern, fused with the
// teacher's feeds.PolymarketFeed subscriber-channel idiom. Each
// connected client subscribes to channel "user:<owner_id>"; Hub.Send
// only pushes an event to clients subscribed to its recipient's
// channel.
//
// Hub implements Notifier so it composes with Multi alongside
// LogNotifier/TelegramNotifier. It does not run an http.Server itself
// — spec.md §1 scopes the HTTP surface out of this module — but
// exposes Upgrade as an http.HandlerFunc value for an external mux to
// mount.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*hubClient]bool
}

type hubClient struct {
	conn    *websocket.Conn
	send    chan []byte
	channel string
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*hubClient]bool),
	}
}

// channelFor returns the subscription channel for a recipient, matching
// spec.md §4.6's RecipientClass/RecipientKey addressing.
func channelFor(class, key string) string { return class + ":" + key }

// Upgrade is an http.HandlerFunc an external HTTP layer mounts at the
// websocket endpoint. The connecting client is expected to identify
// its subscription via the "channel" query parameter (e.g.
// "user:42") — parsing and auth belong to that external layer; Hub
// only registers the already-authorized connection.
func (h *Hub) Upgrade(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("channel")
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("notifier hub: upgrade failed")
		return
	}

	client := &hubClient{conn: conn, send: make(chan []byte, 64), channel: channel}
	h.register(client)
	go h.writePump(client)
	go h.readPump(client)
}

func (h *Hub) register(c *hubClient) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
}

func (h *Hub) unregister(c *hubClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *Hub) readPump(c *hubClient) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *hubClient) {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Send pushes event as JSON to every client subscribed to the
// recipient's channel. A full client send buffer drops the message
// rather than blocking the broadcaster (matching the retrieved pack's
// hub broadcast pattern) — delivery here is best-effort, per spec.md
// §4.6.
func (h *Hub) Send(ctx context.Context, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Warn().Err(err).Msg("notifier hub: marshal failed")
		return
	}
	target := channelFor(event.RecipientClass, event.RecipientKey)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.channel != target {
			continue
		}
		select {
		case c.send <- data:
		default:
			log.Warn().Str("channel", target).Msg("notifier hub: client buffer full, dropping event")
		}
	}
}
