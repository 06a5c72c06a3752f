// Package hub implements room-based pub/sub over websockets. Subscribers
// join trace rooms to receive replay deltas and results; membership is the
// only mutable shared state and is guarded by a single mutex.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	maxPayloadBytes = 1 << 20
	sendBuffer      = 64
	pongWait        = 45 * time.Second
	writeWait       = 10 * time.Second
	// sendWait bounds blocking sends so a wedged peer cannot stall a
	// replay task indefinitely.
	sendWait = 10 * time.Second
)

// Frame is the wire envelope for both directions: an event name plus an
// arbitrary JSON payload.
type Frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Conn is one subscriber connection with its own outbound queue.
type Conn struct {
	ID string

	ws     *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

func newConn(ctx context.Context, ws *websocket.Conn) *Conn {
	ctx, cancel := context.WithCancel(ctx)
	return &Conn{
		ID:     uuid.NewString(),
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Context is done once the connection is closed.
func (c *Conn) Context() context.Context { return c.ctx }

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.ws.Close()
	})
}

// Send queues an event with blocking semantics: it waits for queue space up
// to sendWait. Used for terminal events that must not be dropped.
func (c *Conn) Send(event string, payload any) error {
	data, err := encodeFrame(event, payload)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	case <-time.After(sendWait):
		return fmt.Errorf("send timeout on %s", event)
	}
}

// TrySend queues an event without blocking. When the subscriber's queue is
// full the event is dropped; streaming deltas use this path.
func (c *Conn) TrySend(event string, payload any) bool {
	data, err := encodeFrame(event, payload)
	if err != nil {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func encodeFrame(event string, payload any) ([]byte, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	data, err := json.Marshal(Frame{Event: event, Payload: encoded})
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", event, err)
	}
	if len(data) > maxPayloadBytes {
		return nil, fmt.Errorf("%s payload too large", event)
	}
	return data, nil
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}
		}
	}
}

// Hub tracks room membership and delivers events.
type Hub struct {
	mu     sync.Mutex
	rooms  map[string]map[*Conn]struct{}
	logger *slog.Logger

	// DroppedBroadcast is invoked when a room broadcast could not be
	// delivered to a member. Optional; used for metrics.
	DroppedBroadcast func(room, event string)
}

// New creates an empty hub.
func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		rooms:  make(map[string]map[*Conn]struct{}),
		logger: logger,
	}
}

// Join adds a connection to a room.
func (h *Hub) Join(room string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Conn]struct{})
	}
	h.rooms[room][c] = struct{}{}
}

// Leave removes a connection from a room.
func (h *Hub) Leave(room string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rooms[room], c)
	if len(h.rooms[room]) == 0 {
		delete(h.rooms, room)
	}
}

// LeaveAll removes a connection from every room. Called on disconnect.
func (h *Hub) LeaveAll(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room, members := range h.rooms {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// Members returns a snapshot of a room's membership.
func (h *Hub) Members(room string) []*Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	members := make([]*Conn, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		members = append(members, c)
	}
	return members
}

// Broadcast delivers an event to every current member of a room. Delivery
// uses blocking semantics per connection; members that time out are logged
// and skipped. No message is buffered for future subscribers.
func (h *Hub) Broadcast(room, event string, payload any) {
	for _, c := range h.Members(room) {
		if err := c.Send(event, payload); err != nil {
			h.logger.Debug("broadcast delivery failed",
				"room", room, "event", event, "conn", c.ID, "error", err)
			if h.DroppedBroadcast != nil {
				h.DroppedBroadcast(room, event)
			}
		}
	}
}
