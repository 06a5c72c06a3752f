package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/axonlabs/axon/internal/storage"
	"github.com/axonlabs/axon/pkg/models"
)

// ReplayService handles replay requests arriving on a connection. The
// coordinator implements it; the indirection keeps this package free of the
// replay machinery.
type ReplayService interface {
	// HandleReplayRequest runs an attribution-only replay.
	HandleReplayRequest(conn *Conn, raw json.RawMessage)

	// HandleReplayLLMRequest runs a full replay with a live model call.
	HandleReplayLLMRequest(conn *Conn, raw json.RawMessage)
}

// Handler upgrades HTTP requests to subscriber connections and dispatches
// their events.
type Handler struct {
	hub     *Hub
	stores  *storage.StoreSet
	replays ReplayService
	logger  *slog.Logger

	upgrader websocket.Upgrader

	// OnConnect and OnDisconnect are optional metric hooks.
	OnConnect    func()
	OnDisconnect func()
}

// NewHandler wires the websocket endpoint.
func NewHandler(h *Hub, stores *storage.StoreSet, replays ReplayService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		hub:     h,
		stores:  stores,
		replays: replays,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	// The connection outlives the HTTP request: replays keep publishing to
	// the room after this subscriber disconnects, so the conn context is
	// rooted in the background, not the request.
	conn := newConn(context.Background(), ws)
	h.logger.Debug("subscriber connected", "conn", conn.ID, "remote", r.RemoteAddr)
	if h.OnConnect != nil {
		h.OnConnect()
	}

	go conn.writeLoop()
	go h.pingLoop(conn)
	h.readLoop(conn)

	h.hub.LeaveAll(conn)
	conn.close()
	if h.OnDisconnect != nil {
		h.OnDisconnect()
	}
	h.logger.Debug("subscriber disconnected", "conn", conn.ID)
}

func (h *Handler) pingLoop(c *Conn) {
	ticker := time.NewTicker(pongWait / 2)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (h *Handler) readLoop(c *Conn) {
	c.ws.SetReadLimit(maxPayloadBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("read failed", "conn", c.ID, "error", err)
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.logger.Debug("malformed frame", "conn", c.ID, "error", err)
			continue
		}
		h.dispatch(c, frame)
	}
}

func (h *Handler) dispatch(c *Conn, frame Frame) {
	switch frame.Event {
	case models.EventWatchTrace:
		h.handleWatch(c, frame.Payload)
	case models.EventUnwatchTrace:
		if traceID := decodeTraceID(frame.Payload); traceID != "" {
			h.hub.Leave(models.TraceRoom(traceID), c)
		}
	case models.EventReplayRequest:
		go h.replays.HandleReplayRequest(c, frame.Payload)
	case models.EventReplayLLMReq:
		go h.replays.HandleReplayLLMRequest(c, frame.Payload)
	default:
		h.logger.Debug("unknown event", "conn", c.ID, "event", frame.Event)
	}
}

// handleWatch joins the trace room and pushes the current snapshot. A watch
// for an unknown trace still joins the room so later events reach the
// subscriber once the trace starts.
func (h *Handler) handleWatch(c *Conn, payload json.RawMessage) {
	traceID := decodeTraceID(payload)
	if traceID == "" {
		return
	}
	h.hub.Join(models.TraceRoom(traceID), c)

	snapshot, err := h.Snapshot(c.ctx, traceID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			h.logger.Warn("snapshot failed", "trace", traceID, "error", err)
		}
		return
	}
	if err := c.Send(models.EventTraceData, snapshot); err != nil {
		h.logger.Debug("snapshot delivery failed", "conn", c.ID, "error", err)
	}
}

// Snapshot assembles the trace_data payload for one trace.
func (h *Handler) Snapshot(ctx context.Context, traceID string) (*models.TraceData, error) {
	trace, err := h.stores.Traces.Get(ctx, traceID)
	if err != nil {
		return nil, err
	}
	nodes, err := h.stores.Nodes.ListByTrace(ctx, traceID)
	if err != nil {
		return nil, err
	}
	edges, err := h.stores.Edges.ListByTrace(ctx, traceID)
	if err != nil {
		return nil, err
	}

	// The snapshot carries a zero-valued stats block; clients derive live
	// numbers from the nodes, and attribution arrives via replay results.
	return &models.TraceData{
		Trace:     trace,
		Nodes:     nodes,
		Edges:     edges,
		Anomalies: []any{},
		Stats:     models.TraceStats{},
	}, nil
}

// decodeTraceID accepts both a bare string payload and an object with a
// traceId field.
func decodeTraceID(payload json.RawMessage) string {
	var s string
	if err := json.Unmarshal(payload, &s); err == nil {
		return s
	}
	var obj struct {
		TraceID string `json:"traceId"`
	}
	if err := json.Unmarshal(payload, &obj); err == nil {
		return obj.TraceID
	}
	return ""
}
