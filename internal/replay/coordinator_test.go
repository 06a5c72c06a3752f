package replay

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/axonlabs/axon/internal/attribution"
	"github.com/axonlabs/axon/internal/grounding"
	"github.com/axonlabs/axon/internal/hub"
	"github.com/axonlabs/axon/internal/llm"
	"github.com/axonlabs/axon/internal/observability"
	"github.com/axonlabs/axon/internal/storage"
	"github.com/axonlabs/axon/internal/tools"
	"github.com/axonlabs/axon/pkg/models"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// scriptedProvider replays a fixed chunk sequence.
type scriptedProvider struct {
	deltas []string
	usage  *llm.Usage
	err    error

	mu       sync.Mutex
	requests []llm.Request
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(ctx context.Context, req *llm.Request) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.requests = append(p.requests, *req)
	p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}

	ch := make(chan llm.Chunk, len(p.deltas)+1)
	for _, d := range p.deltas {
		ch <- llm.Chunk{Delta: d}
	}
	ch <- llm.Chunk{Done: true, Usage: p.usage}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) lastRequest(t *testing.T) llm.Request {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) == 0 {
		t.Fatal("no model call recorded")
	}
	return p.requests[len(p.requests)-1]
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

type testEnv struct {
	stores   storage.StoreSet
	hub      *hub.Hub
	provider *scriptedProvider
	coord    *Coordinator
	srv      *httptest.Server
}

func newTestEnv(t *testing.T, provider *scriptedProvider) *testEnv {
	t.Helper()
	logger := observability.Discard()
	stores := storage.NewMemoryStoreSet()
	h := hub.New(logger)
	registry := tools.NewRegistry(nil, tools.WithLogger(logger))
	grounder := grounding.New(registry, grounding.WithLogger(logger))
	router := llm.NewRouter(provider, nil)

	coord := New(&stores, router, grounder, h, WithLogger(logger))

	handler := hub.NewHandler(h, &stores, coord, logger)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &testEnv{stores: stores, hub: h, provider: provider, coord: coord, srv: srv}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func (e *testEnv) seedTrace(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if err := e.stores.Traces.Create(ctx, &models.Trace{ID: "tr-1", Status: models.TraceComplete, StartTime: baseTime}); err != nil {
		t.Fatalf("create trace: %v", err)
	}
	nodes := []*models.Node{
		{
			ID: "n-1", TraceID: "tr-1", Type: models.NodeLLM, Model: "gpt-4o",
			Status: models.NodeCompleted, StartTime: baseTime,
			Tokens: models.TokenUsage{Input: 100, Output: 50}, LatencyMs: 200,
		},
		{
			ID: "n-2", TraceID: "tr-1", Type: models.NodeTool,
			Status: models.NodeCompleted, StartTime: baseTime.Add(time.Second), LatencyMs: 40,
		},
	}
	for _, n := range nodes {
		if err := e.stores.Nodes.Create(ctx, n); err != nil {
			t.Fatalf("create node: %v", err)
		}
	}
	if err := e.stores.Edges.Create(ctx, &models.Edge{TraceID: "tr-1", From: "n-1", To: "n-2"}); err != nil {
		t.Fatalf("create edge: %v", err)
	}
}

func sendFrame(t *testing.T, ws *websocket.Conn, event string, payload any) {
	t.Helper()
	encoded, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	if err := ws.WriteJSON(hub.Frame{Event: event, Payload: encoded}); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, ws *websocket.Conn) hub.Frame {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame hub.Frame
	if err := ws.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

// readUntil returns the first frame with the wanted event, collecting the
// events seen on the way.
func readUntil(t *testing.T, ws *websocket.Conn, event string) (hub.Frame, []string) {
	t.Helper()
	var seen []string
	for i := 0; i < 32; i++ {
		frame := readFrame(t, ws)
		if frame.Event == event {
			return frame, seen
		}
		seen = append(seen, frame.Event)
	}
	t.Fatalf("event %q not received; saw %v", event, seen)
	return hub.Frame{}, nil
}

func TestReplayLLMRequestFullFlow(t *testing.T) {
	provider := &scriptedProvider{
		deltas: []string{"Action: calculator\n", "Action Input: 2+2\n"},
	}
	env := newTestEnv(t, provider)
	env.seedTrace(t)

	// A second subscriber watches the trace room.
	watcher := env.dial(t)
	sendFrame(t, watcher, models.EventWatchTrace, "tr-1")
	if frame := readFrame(t, watcher); frame.Event != models.EventTraceData {
		t.Fatalf("watcher first event = %q", frame.Event)
	}

	requester := env.dial(t)
	sendFrame(t, requester, models.EventReplayLLMReq, map[string]any{
		"requestId":   "req-1",
		"traceId":     "tr-1",
		"model":       "gpt-4o",
		"stream":      true,
		"startNodeId": "n-1",
		"messages":    []map[string]string{{"role": "user", "content": "replay this"}},
	})

	respFrame, before := readUntil(t, requester, models.EventReplayLLMResp)
	for _, ev := range before {
		if ev != models.EventReplayLLMDelta {
			t.Fatalf("unexpected event before response: %v", before)
		}
	}

	var resp struct {
		RequestID string `json:"requestId"`
		OK        bool   `json:"ok"`
		Text      string `json:"text"`
	}
	if err := json.Unmarshal(respFrame.Payload, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.OK || resp.RequestID != "req-1" {
		t.Fatalf("response = %+v", resp)
	}
	// The transcript is grounded before delivery.
	if !strings.Contains(resp.Text, "Observation: The result of 2+2 is 4.") {
		t.Fatalf("response not grounded: %q", resp.Text)
	}

	resultFrame, _ := readUntil(t, requester, models.EventReplayResult)
	var result models.ReplayResult
	if err := json.Unmarshal(resultFrame.Payload, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !result.Success || result.RequestID != "req-1" {
		t.Fatalf("result = %+v", result)
	}
	if len(result.ExecutedNodes) != 2 || len(result.SkippedNodes) != 0 {
		t.Fatalf("executed=%v skipped=%v", result.ExecutedNodes, result.SkippedNodes)
	}
	if result.StartNodeID != "n-1" || result.StartTraceID != "tr-1" {
		t.Fatalf("result = %+v", result)
	}

	// The replay's own usage is seeded as an override at the start node.
	finalText := "Action: calculator\nAction Input: 2+2\n"
	in := attribution.EstimateTokenCount("replay this")
	out := attribution.EstimateTokenCount(finalText)
	wantCost := attribution.Round6(attribution.Pricing("gpt-4o").Cost(in, out))
	if result.ReplayLLMCost != wantCost {
		t.Fatalf("replay llm cost = %v, want %v", result.ReplayLLMCost, wantCost)
	}
	startCost := result.NodeCosts["n-1"]
	if startCost.Cost != wantCost {
		t.Fatalf("start node cost = %v, want %v", startCost.Cost, wantCost)
	}
	if startCost.Tokens != (models.TokenTriple{Input: in, Output: out, Total: in + out}) {
		t.Fatalf("start node tokens = %+v", startCost.Tokens)
	}
	// Recorded latency plus the replay call's own.
	if result.TotalLatencyMs < 240 {
		t.Fatalf("total latency = %d", result.TotalLatencyMs)
	}

	// The room got the broadcast text.
	llmResult, _ := readUntil(t, watcher, models.EventReplayLLMResult)
	var broadcast struct {
		TraceID   string `json:"traceId"`
		RequestID string `json:"requestId"`
		Text      string `json:"text"`
	}
	if err := json.Unmarshal(llmResult.Payload, &broadcast); err != nil {
		t.Fatalf("decode broadcast: %v", err)
	}
	if broadcast.TraceID != "tr-1" || broadcast.RequestID != "req-1" {
		t.Fatalf("broadcast = %+v", broadcast)
	}
	if !strings.Contains(broadcast.Text, "Observation:") {
		t.Fatalf("broadcast text = %q", broadcast.Text)
	}

	// The result is persisted as an annotation.
	traces := env.stores.Traces.(*storage.MemoryTraceStore)
	waitFor(t, func() bool { return traces.ReplayAnnotation("tr-1", "req-1") != nil })
}

func TestReplayLLMRequestDefaults(t *testing.T) {
	provider := &scriptedProvider{
		deltas: []string{"plain text"},
		usage:  &llm.Usage{PromptTokens: 7, CompletionTokens: 3},
	}
	env := newTestEnv(t, provider)

	requester := env.dial(t)
	sendFrame(t, requester, models.EventReplayLLMReq, map[string]any{})

	respFrame, _ := readUntil(t, requester, models.EventReplayLLMResp)
	var resp struct {
		OK   bool   `json:"ok"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(respFrame.Payload, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.OK || resp.Text != "plain text" {
		t.Fatalf("response = %+v", resp)
	}

	resultFrame, _ := readUntil(t, requester, models.EventReplayResult)
	var result models.ReplayResult
	if err := json.Unmarshal(resultFrame.Payload, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !result.Success || result.RequestID == "" {
		t.Fatalf("result = %+v", result)
	}
	if len(result.ExecutedNodes) != 0 || result.TotalCost != 0 {
		t.Fatalf("traceless replay must not attribute: %+v", result)
	}
	// Blocking replays use provider-reported usage.
	if result.LLMTokens == nil || result.LLMTokens.Input != 7 || result.LLMTokens.Output != 3 {
		t.Fatalf("tokens = %+v", result.LLMTokens)
	}

	req := provider.lastRequest(t)
	if req.Model != DefaultModel || req.MaxTokens != 150 {
		t.Fatalf("normalized request = %+v", req)
	}
	if len(req.Messages) != 1 || req.Messages[0].Content != "No prompt provided." {
		t.Fatalf("messages = %+v", req.Messages)
	}
}

func TestReplayLLMRequestNoProvider(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{})

	requester := env.dial(t)
	// Claude models route to the unconfigured anthropic backend.
	sendFrame(t, requester, models.EventReplayLLMReq, map[string]any{
		"requestId": "req-2",
		"model":     "claude-3-haiku",
	})

	respFrame, _ := readUntil(t, requester, models.EventReplayLLMResp)
	var resp struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(respFrame.Payload, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.OK || !strings.Contains(resp.Error, "no provider configured") {
		t.Fatalf("response = %+v", resp)
	}

	resultFrame, _ := readUntil(t, requester, models.EventReplayResult)
	var result models.ReplayResult
	if err := json.Unmarshal(resultFrame.Payload, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Success || result.Error == "" {
		t.Fatalf("result = %+v", result)
	}
	if result.ExecutedNodes == nil || result.NodeCosts == nil {
		t.Fatalf("failure result must carry empty collections: %+v", result)
	}
}

func TestReplayLLMRequestUnknownTrace(t *testing.T) {
	provider := &scriptedProvider{deltas: []string{"never sent"}}
	env := newTestEnv(t, provider)

	requester := env.dial(t)
	sendFrame(t, requester, models.EventReplayLLMReq, map[string]any{
		"requestId": "req-6",
		"traceId":   "ghost-trace",
		"messages":  []map[string]string{{"role": "user", "content": "replay this"}},
	})

	// The failure pair arrives with nothing before it: no deltas, no partial
	// events, and the model is never called.
	respFrame, before := readUntil(t, requester, models.EventReplayLLMResp)
	if len(before) != 0 {
		t.Fatalf("unexpected events before response: %v", before)
	}
	var resp struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(respFrame.Payload, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.OK || !strings.Contains(resp.Error, `trace "ghost-trace"`) {
		t.Fatalf("response = %+v", resp)
	}

	resultFrame, between := readUntil(t, requester, models.EventReplayResult)
	if len(between) != 0 {
		t.Fatalf("unexpected events before result: %v", between)
	}
	var result models.ReplayResult
	if err := json.Unmarshal(resultFrame.Payload, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Success || result.Error == "" {
		t.Fatalf("result = %+v", result)
	}
	if provider.callCount() != 0 {
		t.Fatalf("model called %d times for unknown trace", provider.callCount())
	}
}

func TestReplayLLMRequestUnknownStartNode(t *testing.T) {
	provider := &scriptedProvider{deltas: []string{"never sent"}}
	env := newTestEnv(t, provider)
	env.seedTrace(t)

	requester := env.dial(t)
	sendFrame(t, requester, models.EventReplayLLMReq, map[string]any{
		"requestId":   "req-7",
		"traceId":     "tr-1",
		"startNodeId": "ghost",
	})

	respFrame, before := readUntil(t, requester, models.EventReplayLLMResp)
	if len(before) != 0 {
		t.Fatalf("unexpected events before response: %v", before)
	}
	var resp struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(respFrame.Payload, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.OK || !strings.Contains(resp.Error, "ghost") {
		t.Fatalf("response = %+v", resp)
	}

	resultFrame, _ := readUntil(t, requester, models.EventReplayResult)
	var result models.ReplayResult
	if err := json.Unmarshal(resultFrame.Payload, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Success {
		t.Fatalf("result = %+v", result)
	}
	if provider.callCount() != 0 {
		t.Fatalf("model called %d times for unknown start node", provider.callCount())
	}
}

func TestReplayLLMRequestModelCallHook(t *testing.T) {
	provider := &scriptedProvider{
		deltas: []string{"done"},
		usage:  &llm.Usage{PromptTokens: 11, CompletionTokens: 4},
	}
	env := newTestEnv(t, provider)

	type call struct {
		provider, model, status string
		promptTokens            int64
		completionTokens        int64
	}
	var (
		mu    sync.Mutex
		calls []call
	)
	env.coord.OnModelCall = func(provider, model, status string, _ float64, promptTokens, completionTokens int64) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, call{provider, model, status, promptTokens, completionTokens})
	}

	requester := env.dial(t)
	sendFrame(t, requester, models.EventReplayLLMReq, map[string]any{
		"requestId": "req-8",
		"model":     "gpt-4o",
		"messages":  []map[string]string{{"role": "user", "content": "hi"}},
	})
	readUntil(t, requester, models.EventReplayResult)

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 1 {
		t.Fatalf("hook fired %d times", len(calls))
	}
	got := calls[0]
	if got.provider != "scripted" || got.model != "gpt-4o" || got.status != "ok" {
		t.Fatalf("hook call = %+v", got)
	}
	if got.promptTokens != 11 || got.completionTokens != 4 {
		t.Fatalf("hook tokens = %+v", got)
	}
}

func TestReplayRequestAttributionOnly(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{})
	env.seedTrace(t)

	requester := env.dial(t)
	sendFrame(t, requester, models.EventReplayRequest, map[string]any{
		"requestId": "req-3",
		"traceId":   "tr-1",
	})

	resultFrame, before := readUntil(t, requester, models.EventReplayResult)
	if len(before) != 0 {
		t.Fatalf("unexpected events before result: %v", before)
	}
	var result models.ReplayResult
	if err := json.Unmarshal(resultFrame.Payload, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}
	if len(result.ExecutedNodes) != 2 {
		t.Fatalf("executed = %v", result.ExecutedNodes)
	}
	// No start node named: selection defaults to the earliest.
	if result.StartNodeID != "n-1" {
		t.Fatalf("start node = %q", result.StartNodeID)
	}
	// Recorded tokens price the recorded llm node.
	wantCost := attribution.Round6(attribution.Pricing("gpt-4o").Cost(100, 50))
	if result.TotalCost != wantCost {
		t.Fatalf("total cost = %v, want %v", result.TotalCost, wantCost)
	}
	if result.TotalLatencyMs != 240 {
		t.Fatalf("total latency = %d", result.TotalLatencyMs)
	}
}

func TestReplayRequestRequiresTrace(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{})

	requester := env.dial(t)
	sendFrame(t, requester, models.EventReplayRequest, map[string]any{"requestId": "req-4"})

	resultFrame, _ := readUntil(t, requester, models.EventReplayResult)
	var result models.ReplayResult
	if err := json.Unmarshal(resultFrame.Payload, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Success || !strings.Contains(result.Error, "traceId is required") {
		t.Fatalf("result = %+v", result)
	}
}

func TestReplayRequestUnknownStartNode(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{})
	env.seedTrace(t)

	requester := env.dial(t)
	sendFrame(t, requester, models.EventReplayRequest, map[string]any{
		"requestId": "req-5",
		"traceId":   "tr-1",
		"nodeId":    "ghost",
	})

	resultFrame, _ := readUntil(t, requester, models.EventReplayResult)
	var result models.ReplayResult
	if err := json.Unmarshal(resultFrame.Payload, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Success || result.Error == "" {
		t.Fatalf("result = %+v", result)
	}
}

func TestStartNodeAliases(t *testing.T) {
	tests := []struct {
		name string
		req  llmRequest
		want string
	}{
		{name: "startNodeId", req: llmRequest{StartNodeID: "a", NodeID: "b"}, want: "a"},
		{name: "nodeId", req: llmRequest{NodeID: "b", SelectedNodeID: "c"}, want: "b"},
		{name: "selectedNodeId", req: llmRequest{SelectedNodeID: "c", Start: "d"}, want: "c"},
		{name: "start", req: llmRequest{Start: "d"}, want: "d"},
		{name: "none", req: llmRequest{}, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.req.startNode(); got != tt.want {
				t.Fatalf("startNode = %q, want %q", got, tt.want)
			}
		})
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
