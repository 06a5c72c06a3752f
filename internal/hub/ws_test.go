package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/axonlabs/axon/internal/observability"
	"github.com/axonlabs/axon/internal/storage"
	"github.com/axonlabs/axon/pkg/models"
)

type recordingReplays struct {
	mu       sync.Mutex
	requests []string
}

func (r *recordingReplays) HandleReplayRequest(conn *Conn, raw json.RawMessage) {
	r.record("replay", conn, raw)
}

func (r *recordingReplays) HandleReplayLLMRequest(conn *Conn, raw json.RawMessage) {
	r.record("replay_llm", conn, raw)
	_ = conn.Send("replay_llm_response", map[string]string{"response": "done"})
}

func (r *recordingReplays) record(kind string, _ *Conn, _ json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, kind)
}

func (r *recordingReplays) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.requests...)
}

func newTestServer(t *testing.T) (*Hub, storage.StoreSet, *recordingReplays, *httptest.Server) {
	t.Helper()
	h := New(observability.Discard())
	stores := storage.NewMemoryStoreSet()
	replays := &recordingReplays{}
	handler := NewHandler(h, &stores, replays, observability.Discard())
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return h, stores, replays, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, event string, payload any) {
	t.Helper()
	encoded, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	if err := ws.WriteJSON(Frame{Event: event, Payload: encoded}); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, ws *websocket.Conn) Frame {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame Frame
	if err := ws.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func TestWatchTraceSendsSnapshot(t *testing.T) {
	_, stores, _, srv := newTestServer(t)
	ctx := t.Context()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := stores.Traces.Create(ctx, &models.Trace{ID: "tr-1", Status: models.TraceRunning, StartTime: start}); err != nil {
		t.Fatalf("create trace: %v", err)
	}
	end := start.Add(time.Second)
	nodes := []*models.Node{
		{ID: "n-1", TraceID: "tr-1", Type: models.NodeLLM, Status: models.NodeCompleted, StartTime: start, EndTime: &end, Cost: 0.25},
		{ID: "n-2", TraceID: "tr-1", Type: models.NodeTool, Status: models.NodeErrored, StartTime: start.Add(time.Second), LatencyMs: 30},
	}
	for _, n := range nodes {
		if err := stores.Nodes.Create(ctx, n); err != nil {
			t.Fatalf("create node: %v", err)
		}
	}

	ws := dial(t, srv)
	send(t, ws, models.EventWatchTrace, "tr-1")

	frame := readFrame(t, ws)
	if frame.Event != models.EventTraceData {
		t.Fatalf("event = %q", frame.Event)
	}
	var data models.TraceData
	if err := json.Unmarshal(frame.Payload, &data); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if data.Trace == nil || data.Trace.ID != "tr-1" {
		t.Fatalf("trace = %+v", data.Trace)
	}
	if len(data.Nodes) != 2 {
		t.Fatalf("nodes = %d", len(data.Nodes))
	}
	if data.Anomalies == nil || len(data.Anomalies) != 0 {
		t.Fatalf("anomalies = %v", data.Anomalies)
	}
	// The snapshot ships a zero-valued stats block alongside the nodes.
	if data.Stats != (models.TraceStats{}) {
		t.Fatalf("stats = %+v, want zero-valued", data.Stats)
	}
}

func TestWatchUnknownTraceJoinsRoom(t *testing.T) {
	h, _, _, srv := newTestServer(t)

	ws := dial(t, srv)
	send(t, ws, models.EventWatchTrace, map[string]string{"traceId": "tr-future"})

	room := models.TraceRoom("tr-future")
	waitFor(t, func() bool { return len(h.Members(room)) == 1 })

	// Once the trace exists, room broadcasts reach the watcher.
	h.Broadcast(room, "replay_llm_result", map[string]string{"response": "later"})
	frame := readFrame(t, ws)
	if frame.Event != "replay_llm_result" {
		t.Fatalf("event = %q", frame.Event)
	}
}

func TestUnwatchLeavesRoom(t *testing.T) {
	h, _, _, srv := newTestServer(t)

	ws := dial(t, srv)
	send(t, ws, models.EventWatchTrace, "tr-1")
	room := models.TraceRoom("tr-1")
	waitFor(t, func() bool { return len(h.Members(room)) == 1 })

	send(t, ws, models.EventUnwatchTrace, "tr-1")
	waitFor(t, func() bool { return len(h.Members(room)) == 0 })
}

func TestDisconnectLeavesAllRooms(t *testing.T) {
	h, _, _, srv := newTestServer(t)

	ws := dial(t, srv)
	send(t, ws, models.EventWatchTrace, "tr-1")
	send(t, ws, models.EventWatchTrace, "tr-2")
	waitFor(t, func() bool {
		return len(h.Members(models.TraceRoom("tr-1"))) == 1 &&
			len(h.Members(models.TraceRoom("tr-2"))) == 1
	})

	ws.Close()
	waitFor(t, func() bool {
		return len(h.Members(models.TraceRoom("tr-1"))) == 0 &&
			len(h.Members(models.TraceRoom("tr-2"))) == 0
	})
}

func TestReplayEventsDispatch(t *testing.T) {
	_, _, replays, srv := newTestServer(t)

	ws := dial(t, srv)
	send(t, ws, models.EventReplayRequest, map[string]string{"traceId": "tr-1"})
	send(t, ws, models.EventReplayLLMReq, map[string]string{"model": "gpt-4o-mini"})

	// The LLM handler answers on the connection, proving the dispatch path.
	frame := readFrame(t, ws)
	if frame.Event != "replay_llm_response" {
		t.Fatalf("event = %q", frame.Event)
	}

	waitFor(t, func() bool { return len(replays.seen()) == 2 })
}

func TestUnknownAndMalformedFramesIgnored(t *testing.T) {
	h, _, _, srv := newTestServer(t)

	ws := dial(t, srv)
	if err := ws.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	send(t, ws, "mystery_event", "x")

	// The connection survives; a watch still works afterwards.
	send(t, ws, models.EventWatchTrace, "tr-1")
	waitFor(t, func() bool { return len(h.Members(models.TraceRoom("tr-1"))) == 1 })
}

func TestConnectionHooks(t *testing.T) {
	h := New(observability.Discard())
	stores := storage.NewMemoryStoreSet()
	handler := NewHandler(h, &stores, &recordingReplays{}, observability.Discard())

	var mu sync.Mutex
	connects, disconnects := 0, 0
	handler.OnConnect = func() { mu.Lock(); connects++; mu.Unlock() }
	handler.OnDisconnect = func() { mu.Lock(); disconnects++; mu.Unlock() }

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	ws := dial(t, srv)
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return connects == 1 })
	ws.Close()
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return disconnects == 1 })
}

func TestUpgradeRequiredForEndpoint(t *testing.T) {
	_, _, _, srv := newTestServer(t)
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		t.Fatalf("plain GET must not succeed, got %d", resp.StatusCode)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}
