// Package replay orchestrates trace replays: the live model call, transcript
// grounding, subgraph selection, and cost attribution, delivered over the
// subscription hub.
package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/axonlabs/axon/internal/attribution"
	"github.com/axonlabs/axon/internal/graph"
	"github.com/axonlabs/axon/internal/grounding"
	"github.com/axonlabs/axon/internal/hub"
	"github.com/axonlabs/axon/internal/llm"
	"github.com/axonlabs/axon/internal/observability"
	"github.com/axonlabs/axon/internal/storage"
	"github.com/axonlabs/axon/pkg/models"
)

const (
	// DefaultModel is used when a replay request names no model.
	DefaultModel = "gpt-4o-mini"

	defaultMaxTokens   = 150
	defaultModelWait   = 120 * time.Second
	defaultUserMessage = "No prompt provided."
)

// Coordinator drives the replay state machine for each request.
type Coordinator struct {
	stores   *storage.StoreSet
	router   *llm.Router
	grounder *grounding.Grounder
	hub      *hub.Hub
	logger   *slog.Logger
	tracer   *observability.Tracer

	defaultModel string
	modelTimeout time.Duration
	mode         graph.Mode

	// OnReplay is an optional metric hook invoked with the terminal outcome
	// ("ok" or "error") of each replay.
	OnReplay func(outcome string)

	// OnModelCall is an optional metric hook invoked once per model call with
	// the provider-reported usage, zero when the provider reported none.
	OnModelCall func(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int64)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithDefaultModel overrides the model used when requests name none.
func WithDefaultModel(model string) Option {
	return func(c *Coordinator) {
		if model != "" {
			c.defaultModel = model
		}
	}
}

// WithModelTimeout overrides the coarse model-call timeout.
func WithModelTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.modelTimeout = d
		}
	}
}

// WithMode sets the subgraph selection mode.
func WithMode(mode graph.Mode) Option {
	return func(c *Coordinator) { c.mode = mode }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTracer sets the span tracer for the replay pipeline.
func WithTracer(tracer *observability.Tracer) Option {
	return func(c *Coordinator) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// New wires a coordinator over its collaborators.
func New(stores *storage.StoreSet, router *llm.Router, grounder *grounding.Grounder, h *hub.Hub, opts ...Option) *Coordinator {
	c := &Coordinator{
		stores:       stores,
		router:       router,
		grounder:     grounder,
		hub:          h,
		logger:       slog.Default(),
		tracer:       observability.NopTracer(),
		defaultModel: DefaultModel,
		modelTimeout: defaultModelWait,
		mode:         graph.ModeDefault,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// llmRequest is the replay_llm_request payload. Clients disagree on the name
// of the start node field; all four aliases are accepted.
type llmRequest struct {
	RequestID   string        `json:"requestId"`
	TraceID     string        `json:"traceId"`
	Model       string        `json:"model"`
	Messages    []llm.Message `json:"messages"`
	Temperature float32       `json:"temperature"`
	MaxTokens   int           `json:"maxTokens"`
	Stream      bool          `json:"stream"`

	StartNodeID    string `json:"startNodeId"`
	NodeID         string `json:"nodeId"`
	SelectedNodeID string `json:"selectedNodeId"`
	Start          string `json:"start"`
}

func (r *llmRequest) startNode() string {
	for _, id := range []string{r.StartNodeID, r.NodeID, r.SelectedNodeID, r.Start} {
		if id != "" {
			return id
		}
	}
	return ""
}

func (c *Coordinator) normalize(req *llmRequest) {
	if req.Model == "" {
		req.Model = c.defaultModel
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = defaultMaxTokens
	}
	if len(req.Messages) == 0 {
		req.Messages = []llm.Message{{Role: "user", Content: defaultUserMessage}}
	}
}

type deltaEvent struct {
	RequestID string `json:"requestId"`
	Delta     string `json:"delta"`
}

type responseEvent struct {
	RequestID string `json:"requestId"`
	OK        bool   `json:"ok"`
	Text      string `json:"text,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

type resultEvent struct {
	TraceID   string `json:"traceId"`
	RequestID string `json:"requestId"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

func requestID(supplied string) string {
	if supplied != "" {
		return supplied
	}
	return uuid.NewString()
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// HandleReplayLLMRequest runs a full replay: live model call, grounding, and
// attribution. The replay continues even if the requester disconnects so that
// room broadcasts still fire.
func (c *Coordinator) HandleReplayLLMRequest(conn *hub.Conn, raw json.RawMessage) {
	var req llmRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		c.failLLM(conn, requestID(""), "", "", fmt.Sprintf("malformed replay_llm_request: %v", err))
		return
	}
	reqID := requestID(req.RequestID)
	c.normalize(&req)
	startRef := req.startNode()

	logger := c.logger.With("requestId", reqID, "trace", req.TraceID, "model", req.Model)
	logger.Info("replay started", "stream", req.Stream, "startNode", startRef)

	// The replay outlives the requester connection, so the pipeline is rooted
	// in the background rather than the connection context.
	ctx, span := c.tracer.StartReplay(context.Background(), reqID, req.TraceID, req.Model)
	defer span.End()

	provider := c.router.For(req.Model)
	if provider == nil {
		err := fmt.Errorf("no provider configured for model %q", req.Model)
		c.tracer.RecordError(span, err)
		c.failLLM(conn, reqID, req.TraceID, startRef, err.Error())
		return
	}

	// Resolve the replay target first: a missing trace or start node must
	// fail before any completion is bought or any event reaches the room.
	var sel graph.Selection
	if req.TraceID != "" {
		var err error
		sel, err = c.resolveSelection(ctx, req.TraceID, startRef)
		if err != nil {
			logger.Warn("replay target unresolved", "error", err)
			c.tracer.RecordError(span, err)
			c.failLLM(conn, reqID, req.TraceID, startRef, err.Error())
			return
		}
	}

	finalText, usage, llmLatency, err := c.callModel(ctx, conn, provider, &req, reqID)
	if err != nil {
		logger.Warn("model call failed", "error", err)
		c.tracer.RecordError(span, err)
		c.failLLM(conn, reqID, req.TraceID, startRef, fmt.Sprintf("model call failed: %v", err))
		return
	}

	groundCtx, groundSpan := c.tracer.StartGrounding(ctx)
	grounded := c.grounder.Ground(groundCtx, finalText)
	groundSpan.End()

	resp := responseEvent{RequestID: reqID, OK: true, Text: grounded, Timestamp: timestamp()}
	if err := conn.Send(models.EventReplayLLMResp, resp); err != nil {
		logger.Debug("response delivery failed", "error", err)
	}
	if req.TraceID != "" {
		c.hub.Broadcast(models.TraceRoom(req.TraceID), models.EventReplayLLMResult, resultEvent{
			TraceID:   req.TraceID,
			RequestID: reqID,
			Text:      grounded,
			Timestamp: timestamp(),
		})
	}

	in, out := c.observedTokens(&req, usage, finalText)
	replayCost := attribution.Round6(attribution.Pricing(req.Model).Cost(in, out))
	tokens := models.TokenTriple{Input: in, Output: out, Total: in + out}

	result := models.ReplayResult{
		RequestID:     reqID,
		Success:       true,
		ExecutedNodes: []string{},
		SkippedNodes:  []string{},
		NodeCosts:     map[string]models.NodeCost{},
		ReplayLLMCost: replayCost,
		LLMTokens:     &tokens,
		SideEffects:   []string{},
		StartTraceID:  req.TraceID,
		StartNodeID:   startRef,
	}
	result.TotalLatencyMs = llmLatency

	if req.TraceID != "" {
		_, attrSpan := c.tracer.StartAttribution(ctx, req.TraceID)
		summary := attribution.Attribute(sel.Executed, seedOverrides(sel, startRef, replayCost, tokens))
		attrSpan.End()
		result.ExecutedNodes = sel.ExecutedIDs()
		result.SkippedNodes = sel.SkippedIDs()
		result.NodeCosts = summary.NodeCosts
		result.TotalCost = summary.TotalCost
		result.TotalLatencyMs = summary.TotalLatencyMs + llmLatency
		result.StartNodeID = sel.Start.ID
	}

	c.emitResult(conn, req.TraceID, &result)
	logger.Info("replay finished",
		"executed", len(result.ExecutedNodes),
		"skipped", len(result.SkippedNodes),
		"totalCost", result.TotalCost,
		"replayLlmCost", replayCost)
	if c.OnReplay != nil {
		c.OnReplay("ok")
	}
}

// callModel issues the completion and relays streaming deltas to the
// requester. Delta publishing is best-effort; the text always accumulates.
func (c *Coordinator) callModel(ctx context.Context, conn *hub.Conn, provider llm.Provider, req *llmRequest, reqID string) (string, *llm.Usage, int64, error) {
	ctx, span := c.tracer.StartModelCall(ctx, provider.Name(), req.Model)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, c.modelTimeout)
	defer cancel()

	started := time.Now()
	finalText, usage, err := c.streamCompletion(ctx, conn, provider, req, reqID)
	elapsed := time.Since(started)

	if c.OnModelCall != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		var prompt, completion int64
		if usage != nil {
			prompt, completion = usage.PromptTokens, usage.CompletionTokens
		}
		c.OnModelCall(provider.Name(), req.Model, status, elapsed.Seconds(), prompt, completion)
	}
	if err != nil {
		c.tracer.RecordError(span, err)
		return "", nil, 0, err
	}
	return finalText, usage, elapsed.Milliseconds(), nil
}

func (c *Coordinator) streamCompletion(ctx context.Context, conn *hub.Conn, provider llm.Provider, req *llmRequest, reqID string) (string, *llm.Usage, error) {
	chunks, err := provider.Complete(ctx, &llm.Request{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      req.Stream,
	})
	if err != nil {
		return "", nil, err
	}

	var (
		finalText string
		usage     *llm.Usage
	)
	for chunk := range chunks {
		if chunk.Err != nil {
			return "", usage, chunk.Err
		}
		if chunk.Delta != "" {
			finalText += chunk.Delta
			if req.Stream {
				conn.TrySend(models.EventReplayLLMDelta, deltaEvent{RequestID: reqID, Delta: chunk.Delta})
			}
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}
	return finalText, usage, nil
}

// observedTokens resolves the replay's own token counts. Streamed replays are
// always estimated; blocking replays prefer provider-reported usage.
func (c *Coordinator) observedTokens(req *llmRequest, usage *llm.Usage, finalText string) (in, out int64) {
	if !req.Stream && usage != nil && usage.PromptTokens+usage.CompletionTokens > 0 {
		return usage.PromptTokens, usage.CompletionTokens
	}
	in = attribution.EstimateTokenCount(llm.JoinedText(req.Messages))
	out = attribution.EstimateTokenCount(finalText)
	return in, out
}

// resolveSelection loads the trace, builds the canonical graph, and selects
// the replay subgraph. A missing trace or start node fails here, before any
// model call or event delivery.
func (c *Coordinator) resolveSelection(ctx context.Context, traceID, startRef string) (graph.Selection, error) {
	if _, err := c.stores.Traces.Get(ctx, traceID); err != nil {
		return graph.Selection{}, fmt.Errorf("trace %q: %w", traceID, err)
	}
	nodes, err := c.stores.Nodes.ListByTrace(ctx, traceID)
	if err != nil {
		return graph.Selection{}, fmt.Errorf("load nodes: %w", err)
	}
	edges, err := c.stores.Edges.ListByTrace(ctx, traceID)
	if err != nil {
		return graph.Selection{}, fmt.Errorf("load edges: %w", err)
	}
	return graph.Select(graph.Build(nodes, edges), startRef, c.mode)
}

// seedOverrides plants the replay call's own cost and usage as an override
// at the start node, when one was named.
func seedOverrides(sel graph.Selection, startRef string, replayCost float64, tokens models.TokenTriple) map[string]models.CostOverride {
	overrides := map[string]models.CostOverride{}
	if startRef != "" && sel.Start != nil {
		cost := replayCost
		t := tokens
		overrides[sel.Start.ID] = models.CostOverride{Cost: &cost, Tokens: &t}
	}
	return overrides
}

// replayRequest is the attribution-only replay_request payload.
type replayRequest struct {
	RequestID string `json:"requestId"`
	TraceID   string `json:"traceId"`
	NodeID    string `json:"nodeId"`
}

// HandleReplayRequest runs attribution over the recorded trace without a new
// model call.
func (c *Coordinator) HandleReplayRequest(conn *hub.Conn, raw json.RawMessage) {
	var req replayRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		c.sendResultFailure(conn, requestID(""), "", "", fmt.Sprintf("malformed replay_request: %v", err))
		return
	}
	reqID := requestID(req.RequestID)
	if req.TraceID == "" {
		c.sendResultFailure(conn, reqID, "", req.NodeID, "traceId is required")
		return
	}

	logger := c.logger.With("requestId", reqID, "trace", req.TraceID)
	logger.Info("attribution replay started", "startNode", req.NodeID)

	sel, err := c.resolveSelection(context.Background(), req.TraceID, req.NodeID)
	if err != nil {
		logger.Warn("attribution replay failed", "error", err)
		c.sendResultFailure(conn, reqID, req.TraceID, req.NodeID, err.Error())
		return
	}
	summary := attribution.Attribute(sel.Executed, nil)

	result := models.ReplayResult{
		RequestID:      reqID,
		Success:        true,
		ExecutedNodes:  sel.ExecutedIDs(),
		SkippedNodes:   sel.SkippedIDs(),
		NodeCosts:      summary.NodeCosts,
		TotalCost:      summary.TotalCost,
		TotalLatencyMs: summary.TotalLatencyMs,
		SideEffects:    []string{},
		StartTraceID:   req.TraceID,
		StartNodeID:    sel.Start.ID,
	}
	c.emitResult(conn, req.TraceID, &result)
	logger.Info("attribution replay finished", "executed", len(result.ExecutedNodes), "totalCost", result.TotalCost)
	if c.OnReplay != nil {
		c.OnReplay("ok")
	}
}

// emitResult delivers the terminal result to the requester and records the
// replay annotation.
func (c *Coordinator) emitResult(conn *hub.Conn, traceID string, result *models.ReplayResult) {
	if conn != nil {
		if err := conn.Send(models.EventReplayResult, result); err != nil {
			c.logger.Debug("result delivery failed", "requestId", result.RequestID, "error", err)
		}
	}
	if traceID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.stores.Traces.AnnotateReplay(ctx, traceID, result.RequestID, result); err != nil {
		c.logger.Warn("replay annotation failed", "requestId", result.RequestID, "trace", traceID, "error", err)
	}
}

// failLLM emits the terminal failure pair: replay_llm_response first, then
// replay_result.
func (c *Coordinator) failLLM(conn *hub.Conn, reqID, traceID, startRef, msg string) {
	resp := responseEvent{RequestID: reqID, OK: false, Error: msg, Timestamp: timestamp()}
	if err := conn.Send(models.EventReplayLLMResp, resp); err != nil {
		c.logger.Debug("failure response delivery failed", "requestId", reqID, "error", err)
	}
	c.sendResultFailure(conn, reqID, traceID, startRef, msg)
}

func (c *Coordinator) sendResultFailure(conn *hub.Conn, reqID, traceID, startRef, msg string) {
	result := models.ReplayResult{
		RequestID:     reqID,
		Success:       false,
		ExecutedNodes: []string{},
		SkippedNodes:  []string{},
		NodeCosts:     map[string]models.NodeCost{},
		SideEffects:   []string{},
		StartTraceID:  traceID,
		StartNodeID:   startRef,
		Error:         msg,
	}
	if err := conn.Send(models.EventReplayResult, &result); err != nil {
		c.logger.Debug("failure result delivery failed", "requestId", reqID, "error", err)
	}
	if c.OnReplay != nil {
		c.OnReplay("error")
	}
}
