package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	sendQueueSize = 64
)

// clientFrame is what clients send: a verb plus its arguments.
type clientFrame struct {
	Action  string          `json:"action"` // subscribe, unsubscribe, publish
	Channel string          `json:"channel"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Conn is one authenticated WebSocket connection.
type Conn struct {
	ID     string
	Role   string
	UserID string // empty for the anonymous token

	hub    *Hub
	store  *Store
	ws     *websocket.Conn
	logger *slog.Logger

	// send is closed by the read pump once the connection detaches from the
	// hub. Broadcasters may still hold a membership snapshot taken before the
	// detach, so every enqueue checks sendClosed under sendMu.
	send       chan []byte
	sendMu     sync.Mutex
	sendClosed bool

	// rooms this connection joined; only the read pump mutates it, so no
	// lock is needed beyond the hub's own.
	rooms map[string]struct{}
}

func newConn(hub *Hub, store *Store, ws *websocket.Conn, role, userID string, logger *slog.Logger) *Conn {
	return &Conn{
		ID:     uuid.NewString(),
		Role:   role,
		UserID: userID,
		hub:    hub,
		store:  store,
		ws:     ws,
		send:   make(chan []byte, sendQueueSize),
		logger: logger,
		rooms:  make(map[string]struct{}),
	}
}

// enqueue hands a frame to the write pump. A connection whose queue is full
// is dropped rather than allowed to backpressure the broadcaster. Frames
// arriving after the connection detached are discarded.
func (c *Conn) enqueue(data []byte) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("send queue full, closing connection", "conn", c.ID)
		c.ws.Close()
	}
}

// closeSend marks the connection dead and closes the send queue so the write
// pump drains and exits.
func (c *Conn) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	c.sendClosed = true
	close(c.send)
}

func (c *Conn) sendFrame(f frame) {
	data, err := json.Marshal(f)
	if err != nil {
		c.logger.Error("encode frame", "conn", c.ID, "error", err)
		return
	}
	c.enqueue(data)
}

func (c *Conn) sendAck(event, channel string, ok bool, errCode string) {
	c.sendFrame(frame{Event: event, Channel: channel, OK: &ok, Error: errCode})
}

// readPump drives the connection: it parses client verbs until the socket
// dies, then detaches from the hub.
func (c *Conn) readPump(ctx context.Context) {
	defer func() {
		c.hub.remove(c)
		c.closeSend()
	}()
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket closed unexpectedly", "conn", c.ID, "error", err)
			}
			return
		}
		var req clientFrame
		if err := json.Unmarshal(data, &req); err != nil {
			c.sendFrame(frame{Event: EventError, Error: CodeInternalError})
			continue
		}
		c.handle(ctx, req)
	}
}

func (c *Conn) handle(ctx context.Context, req clientFrame) {
	switch req.Action {
	case "subscribe":
		c.subscribe(ctx, req.Channel)
	case "unsubscribe":
		c.unsubscribe(req.Channel)
	case "publish":
		c.publish(ctx, req)
	default:
		c.sendFrame(frame{Event: EventError, Channel: req.Channel, Error: CodeInternalError})
	}
}

// subscribe joins the channel's room after an RLS-gated visibility check.
func (c *Conn) subscribe(ctx context.Context, channel string) {
	if c.store == nil {
		c.sendAck("subscribe", channel, false, CodeInternalError)
		return
	}
	visible, err := c.store.CanAccessChannel(ctx, c.Role, c.UserID, channel)
	if err != nil {
		c.logger.Error("channel access check", "conn", c.ID, "channel", channel, "error", err)
		c.sendAck("subscribe", channel, false, CodeInternalError)
		return
	}
	if !visible {
		c.sendAck("subscribe", channel, false, CodeUnauthorized)
		return
	}
	room := RoomName(channel)
	c.rooms[room] = struct{}{}
	c.hub.join(room, c)
	c.sendAck("subscribe", channel, true, "")
}

func (c *Conn) unsubscribe(channel string) {
	room := RoomName(channel)
	delete(c.rooms, room)
	c.hub.leave(room, c)
}

// publish inserts the message under the caller's identity; RLS decides
// whether this connection may write to the channel. Delivery happens via
// the dispatcher once the row's trigger fires.
func (c *Conn) publish(ctx context.Context, req clientFrame) {
	if _, subscribed := c.rooms[RoomName(req.Channel)]; !subscribed {
		c.sendAck("publish", req.Channel, false, CodeNotSubscribed)
		return
	}
	if c.store == nil {
		c.sendAck("publish", req.Channel, false, CodeInternalError)
		return
	}
	if _, err := c.store.InsertMessage(ctx, c.Role, c.UserID, req.Channel, req.Event, req.Payload); err != nil {
		c.logger.Warn("publish rejected", "conn", c.ID, "channel", req.Channel, "error", err)
		c.sendAck("publish", req.Channel, false, CodeUnauthorized)
		return
	}
	c.sendAck("publish", req.Channel, true, "")
}

// writePump serialises all writes to the socket and keeps it alive with
// pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
