// Package wshub implements the WebSocket hub: client registry, topic
// subscriptions, and broadcast fan-out. It generalizes the pub/sub
// broker pattern to per-client topic filters and real socket writes.
package wshub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/cuemby/hvorchestrator/pkg/log"
	"github.com/cuemby/hvorchestrator/pkg/metrics"
)

// TopicAll is the wildcard subscription that receives every broadcast.
const TopicAll = "all"

// Frame is the wire shape of a client->server message: {"type":
// "subscribe", "topics": [...]}, {"type":"unsubscribe","topics":[...]},
// or {"type":"ping"}. Server->client frames (connection, subscription,
// pong, job, notification) are built ad hoc as flat maps instead of
// through this type, since their field sets differ per message type
// (spec §6).
type Frame struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics,omitempty"`
}

// Conn is the subset of *websocket.Conn the hub depends on, so tests
// can supply a fake.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

type client struct {
	id     string
	conn   Conn
	mu     sync.Mutex // serializes writes to conn
	topics map[string]struct{}
}

// Hub tracks connected clients and their topic subscriptions and
// fans out broadcasts to matching clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
	logger  zerolog.Logger
}

// New creates an empty hub.
func New() *Hub {
	return &Hub{
		clients: make(map[string]*client),
		logger:  log.WithComponent("wshub"),
	}
}

// Connect registers conn and returns its assigned client ID. It sends
// the welcome "connection" frame before returning.
func (h *Hub) Connect(conn Conn) string {
	id := uuid.NewString()
	c := &client{id: id, conn: conn, topics: make(map[string]struct{})}

	h.mu.Lock()
	h.clients[id] = c
	h.mu.Unlock()

	metrics.WSClientsConnected.Inc()

	welcome, _ := json.Marshal(map[string]any{"type": "connection", "client_id": id})
	_ = c.write(welcome)
	return id
}

// Disconnect removes a client from the registry and closes its socket.
func (h *Hub) Disconnect(clientID string) {
	h.mu.Lock()
	c, ok := h.clients[clientID]
	if ok {
		delete(h.clients, clientID)
	}
	h.mu.Unlock()

	if ok {
		metrics.WSClientsConnected.Dec()
		_ = c.conn.Close()
	}
}

// Subscribe adds topics to a client's subscription set.
func (h *Hub) Subscribe(clientID string, topics []string) {
	h.mu.RLock()
	c, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	h.mu.Lock()
	for _, t := range topics {
		c.topics[t] = struct{}{}
	}
	h.mu.Unlock()
}

// Unsubscribe removes topics from a client's subscription set.
func (h *Hub) Unsubscribe(clientID string, topics []string) {
	h.mu.RLock()
	c, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	h.mu.Lock()
	for _, t := range topics {
		delete(c.topics, t)
	}
	h.mu.Unlock()
}

// Broadcast sends payload, wrapped as a frame of msgType, to every
// client subscribed to topic (or TopicAll), or to every client if
// topic is empty. The registry lock is held only to collect the
// recipient list; sends happen outside the lock so a slow or stuck
// client write never blocks subscribe/unsubscribe/disconnect or other
// broadcasts. A write failure schedules that client's disconnect.
func (h *Hub) Broadcast(msgType string, topic string, payload any) {
	raw, err := json.Marshal(buildFrame(msgType, payload))
	if err != nil {
		h.logger.Error().Err(err).Str("type", msgType).Msg("failed to marshal broadcast frame")
		return
	}

	h.mu.RLock()
	recipients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		if topic == "" {
			recipients = append(recipients, c)
			continue
		}
		if _, ok := c.topics[topic]; ok {
			recipients = append(recipients, c)
			continue
		}
		if _, ok := c.topics[TopicAll]; ok {
			recipients = append(recipients, c)
		}
	}
	h.mu.RUnlock()

	metrics.WSBroadcastsTotal.WithLabelValues(labelOrDefault(topic)).Inc()

	var failed []string
	for _, c := range recipients {
		if err := c.write(raw); err != nil {
			failed = append(failed, c.id)
		}
	}
	for _, id := range failed {
		h.Disconnect(id)
	}
}

// ClientCount returns the number of currently registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *client) write(raw []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

func labelOrDefault(topic string) string {
	if topic == "" {
		return "broadcast"
	}
	return topic
}

// buildFrame flattens payload into the outgoing envelope so server
// frames read as {"type":"job","job_id":"...","status":"...",...}
// rather than nesting every field under a "payload" key. A payload
// that isn't a map (or is nil) is carried under "data" instead.
func buildFrame(msgType string, payload any) map[string]any {
	frame := map[string]any{"type": msgType}
	switch p := payload.(type) {
	case nil:
	case map[string]any:
		for k, v := range p {
			frame[k] = v
		}
	default:
		frame["data"] = payload
	}
	return frame
}

// ReadLoop reads client frames from conn until an error occurs,
// dispatching subscribe/unsubscribe/ping to the hub. Malformed frames
// are dropped with a log line. It blocks until the connection closes;
// callers run it in its own goroutine and call Disconnect afterward.
func (h *Hub) ReadLoop(clientID string, conn Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			h.logger.Warn().Err(err).Str("client_id", clientID).Msg("dropping malformed websocket frame")
			continue
		}
		switch f.Type {
		case "subscribe":
			h.Subscribe(clientID, f.Topics)
			h.sendTo(clientID, "subscription", map[string]any{"status": "subscribed", "topics": f.Topics})
		case "unsubscribe":
			h.Unsubscribe(clientID, f.Topics)
			h.sendTo(clientID, "subscription", map[string]any{"status": "unsubscribed", "topics": f.Topics})
		case "ping":
			h.sendTo(clientID, "pong", map[string]any{"timestamp": time.Now().UTC().Format(time.RFC3339Nano)})
		default:
			h.logger.Warn().Str("client_id", clientID).Str("type", f.Type).Msg("unknown client frame type")
		}
	}
}

func (h *Hub) sendTo(clientID, msgType string, payload any) {
	h.mu.RLock()
	c, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	raw, err := json.Marshal(buildFrame(msgType, payload))
	if err != nil {
		return
	}
	if err := c.write(raw); err != nil {
		h.Disconnect(clientID)
	}
}
