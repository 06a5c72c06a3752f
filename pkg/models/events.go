package models

// Event names used on the subscription protocol. Client-to-server events are
// requests; server-to-client events carry snapshots, streaming deltas, and
// terminal replay results.
const (
	// Client -> server.
	EventWatchTrace      = "watch_trace"
	EventUnwatchTrace    = "unwatch_trace"
	EventReplayRequest   = "replay_request"
	EventReplayLLMReq    = "replay_llm_request"

	// Server -> client.
	EventTraceData       = "trace_data"
	EventReplayLLMDelta  = "replay_llm_delta"
	EventReplayLLMResp   = "replay_llm_response"
	EventReplayResult    = "replay_result"
	EventReplayLLMResult = "replay_llm_result"
)

// TraceRoom returns the pub/sub room name for a trace.
func TraceRoom(traceID string) string {
	return "trace:" + traceID
}

// NodeCost is the per-node attribution produced by a replay.
type NodeCost struct {
	Cost      float64     `json:"cost"`
	Tokens    TokenTriple `json:"tokens"`
	LatencyMs int64       `json:"latencyMs"`
	Model     string      `json:"model,omitempty"`
}

// TokenTriple is the normalized token breakdown used in attribution output.
// Total always equals Input+Output unless an override supplies its own total.
type TokenTriple struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Total  int64 `json:"total"`
}

// CostOverride replaces computed attribution fields for a single node.
// Fields set here win field-wise over the computed values.
type CostOverride struct {
	Cost   *float64     `json:"cost,omitempty"`
	Tokens *TokenTriple `json:"tokens,omitempty"`
	Prompt string       `json:"prompt,omitempty"`
	Model  string       `json:"model,omitempty"`
}

// ReplayResult is the terminal payload of a replay request.
type ReplayResult struct {
	RequestID      string              `json:"requestId"`
	Success        bool                `json:"success"`
	ExecutedNodes  []string            `json:"executedNodes"`
	SkippedNodes   []string            `json:"skippedNodes"`
	NodeCosts      map[string]NodeCost `json:"nodeCosts"`
	TotalCost      float64             `json:"totalCost"`
	TotalLatencyMs int64               `json:"totalLatency"`
	ReplayLLMCost  float64             `json:"replayLlmCost,omitempty"`
	LLMTokens      *TokenTriple        `json:"llmTokens,omitempty"`
	SideEffects    []string            `json:"sideEffects"`
	NewTraceID     *string             `json:"newTraceId"`
	StartTraceID   string              `json:"startTraceId"`
	StartNodeID    string              `json:"startNodeId"`
	Error          string              `json:"error,omitempty"`
}

// TraceStats is the stats block pushed with a trace_data snapshot. Snapshots
// carry it zero-valued; clients derive live numbers from the node list.
type TraceStats struct {
	TotalNodes   int     `json:"totalNodes"`
	TotalCost    float64 `json:"totalCost"`
	TotalLatency int64   `json:"totalLatency"`
	LLMCount     int     `json:"llmCount"`
	ToolCount    int     `json:"toolCount"`
	ChainCount   int     `json:"chainCount"`
	ErrorCount   int     `json:"errorCount"`
	AnomalyCount int     `json:"anomalyCount"`
}

// TraceData is the snapshot delivered in response to watch_trace.
type TraceData struct {
	Trace     *Trace     `json:"trace"`
	Nodes     []*Node    `json:"nodes"`
	Edges     []*Edge    `json:"edges"`
	Anomalies []any      `json:"anomalies"`
	Stats     TraceStats `json:"stats"`
}
