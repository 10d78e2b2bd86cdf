// Package realtime owns the WebSocket side of the platform: the connection
// hub with its rooms, the PG LISTEN dispatcher that fans database-committed
// messages out to sockets and webhooks, and the channel admin surface.
package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Reserved server event names.
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"
	EventError        = "error"
)

// Error codes carried in error frames.
const (
	CodeUnauthorized  = "UNAUTHORIZED"
	CodeNotSubscribed = "NOT_SUBSCRIBED"
	CodeInternalError = "INTERNAL_ERROR"
)

// RoomName maps a channel name onto its hub room.
func RoomName(channel string) string {
	return "realtime:" + channel
}

// Meta is the server-controlled envelope attached to every broadcast. The
// client cannot forge any of it.
type Meta struct {
	Channel    string    `json:"channel"`
	MessageID  string    `json:"messageId"`
	SenderType string    `json:"senderType"`
	SenderID   string    `json:"senderId,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// frame is the wire format for server-to-client messages.
type frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Meta    *Meta           `json:"meta,omitempty"`
}

// Hub is the process singleton owning all WebSocket connections and their
// room memberships.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[*Conn]struct{}
	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		rooms:  make(map[string]map[*Conn]struct{}),
		logger: logger,
	}
}

func (h *Hub) join(room string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Conn]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
}

func (h *Hub) leave(room string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(room, c)
}

func (h *Hub) leaveLocked(room string, c *Conn) {
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// remove drops the connection from every room it joined.
func (h *Hub) remove(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room := range c.rooms {
		h.leaveLocked(room, c)
	}
}

// RoomSize returns the number of connections currently in room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// BroadcastToRoom wraps payload in the meta envelope and emits it to every
// connection in the room. Membership is snapshotted under the read lock;
// the actual sends happen outside it so a slow socket cannot stall the hub.
func (h *Hub) BroadcastToRoom(room, eventName string, payload json.RawMessage, meta Meta) {
	h.mu.RLock()
	members := make([]*Conn, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	if len(members) == 0 {
		return
	}
	data, err := json.Marshal(frame{
		Event:   eventName,
		Channel: meta.Channel,
		Payload: payload,
		Meta:    &meta,
	})
	if err != nil {
		h.logger.Error("encode broadcast frame", "room", room, "error", err)
		return
	}
	for _, c := range members {
		c.enqueue(data)
	}
}
