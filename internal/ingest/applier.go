// Package ingest applies recorded agent events to the stores. Collectors
// post events over HTTP; the applier turns them into trace, node, and edge
// writes.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/axonlabs/axon/internal/storage"
	"github.com/axonlabs/axon/pkg/models"
)

// Event is one recorded agent event. Start/end pairs share a runId; coarse
// events carry the whole node in one shot.
type Event struct {
	Type        string `json:"type"`
	TraceID     string `json:"traceId"`
	ProjectName string `json:"projectName,omitempty"`

	NodeID      string `json:"nodeId,omitempty"`
	RunID       string `json:"runId,omitempty"`
	ParentRunID string `json:"parentRunId,omitempty"`
	Model       string `json:"model,omitempty"`
	Error       string `json:"error,omitempty"`

	Timestamp time.Time `json:"timestamp"`

	Tokens *models.TokenUsage `json:"tokens,omitempty"`
	Data   *models.NodeData   `json:"data,omitempty"`

	// From/To carry an explicit edge event.
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

// Event types beyond the node types in models.
const (
	EventTraceEnd = "trace_end"
	EventEdge     = "edge"
)

// Applier turns events into store writes.
type Applier struct {
	stores *storage.StoreSet
	logger *slog.Logger

	// Notify is invoked after a successful apply with the affected trace ID.
	// The server uses it to push fresh snapshots to watchers.
	Notify func(traceID string)

	// OnEvent is an optional metric hook (event type, "ok"|"error").
	OnEvent func(eventType, status string)
}

// NewApplier wires an applier over the stores.
func NewApplier(stores *storage.StoreSet, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{stores: stores, logger: logger}
}

// Apply validates and persists one event.
func (a *Applier) Apply(ctx context.Context, ev *Event) error {
	err := a.apply(ctx, ev)

	status := "ok"
	if err != nil {
		status = "error"
	}
	if a.OnEvent != nil {
		a.OnEvent(ev.Type, status)
	}
	if err == nil && a.Notify != nil {
		a.Notify(ev.TraceID)
	}
	return err
}

func (a *Applier) apply(ctx context.Context, ev *Event) error {
	if ev.TraceID == "" {
		return fmt.Errorf("event missing traceId")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	if err := a.ensureTrace(ctx, ev); err != nil {
		return err
	}

	switch ev.Type {
	case EventTraceEnd:
		return a.closeTrace(ctx, ev)
	case EventEdge:
		if ev.From == "" || ev.To == "" {
			return fmt.Errorf("edge event missing endpoints")
		}
		return a.stores.Edges.Create(ctx, &models.Edge{TraceID: ev.TraceID, From: ev.From, To: ev.To})
	case string(models.NodeLLMStart), string(models.NodeToolStart), string(models.NodeChainStart):
		return a.openNode(ctx, ev)
	case string(models.NodeLLMEnd), string(models.NodeToolEnd), string(models.NodeChainEnd):
		return a.closeNode(ctx, ev)
	case string(models.NodeLLM), string(models.NodeTool), string(models.NodeChain), string(models.NodeAgent):
		return a.recordNode(ctx, ev)
	}
	return fmt.Errorf("unknown event type %q", ev.Type)
}

// ensureTrace creates the trace on the first event of a run.
func (a *Applier) ensureTrace(ctx context.Context, ev *Event) error {
	_, err := a.stores.Traces.Get(ctx, ev.TraceID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("load trace: %w", err)
	}

	trace := &models.Trace{
		ID:          ev.TraceID,
		ProjectName: ev.ProjectName,
		Status:      models.TraceRunning,
		StartTime:   ev.Timestamp,
	}
	if err := a.stores.Traces.Create(ctx, trace); err != nil && !errors.Is(err, storage.ErrAlreadyExists) {
		return fmt.Errorf("create trace: %w", err)
	}
	a.logger.Info("trace opened", "trace", ev.TraceID, "project", ev.ProjectName)
	return nil
}

func (a *Applier) closeTrace(ctx context.Context, ev *Event) error {
	trace, err := a.stores.Traces.Get(ctx, ev.TraceID)
	if err != nil {
		return fmt.Errorf("load trace: %w", err)
	}
	end := ev.Timestamp
	trace.EndTime = &end
	trace.Status = models.TraceComplete
	if ev.Error != "" {
		trace.Status = models.TraceError
	}
	if err := a.stores.Traces.Update(ctx, trace); err != nil {
		return fmt.Errorf("close trace: %w", err)
	}
	a.logger.Info("trace closed", "trace", ev.TraceID, "status", trace.Status)
	return nil
}

func (a *Applier) openNode(ctx context.Context, ev *Event) error {
	node := a.nodeFromEvent(ev)
	node.Status = models.NodeRunning
	if err := a.stores.Nodes.Create(ctx, node); err != nil {
		return fmt.Errorf("create node: %w", err)
	}
	return nil
}

// closeNode completes the node opened by the matching start event. An end
// without a start is tolerated and recorded as a complete node, since
// collectors can drop events.
func (a *Applier) closeNode(ctx context.Context, ev *Event) error {
	node, err := a.stores.Nodes.GetByRunID(ctx, ev.TraceID, ev.RunID)
	if errors.Is(err, storage.ErrNotFound) {
		return a.recordNode(ctx, ev)
	}
	if err != nil {
		return fmt.Errorf("load node by runId: %w", err)
	}

	end := ev.Timestamp
	node.EndTime = &end
	node.Status = models.NodeCompleted
	if ev.Error != "" {
		node.Status = models.NodeErrored
	}
	if ev.Tokens != nil {
		node.Tokens = *ev.Tokens
	}
	if ev.Data != nil {
		mergeData(&node.Data, ev.Data)
	}
	if ev.Model != "" {
		node.Model = ev.Model
	}
	if err := a.stores.Nodes.Update(ctx, node); err != nil {
		return fmt.Errorf("update node: %w", err)
	}
	return nil
}

func (a *Applier) recordNode(ctx context.Context, ev *Event) error {
	node := a.nodeFromEvent(ev)
	node.Status = models.NodeCompleted
	if ev.Error != "" {
		node.Status = models.NodeErrored
	}
	end := ev.Timestamp
	node.EndTime = &end
	if err := a.stores.Nodes.Create(ctx, node); err != nil {
		return fmt.Errorf("create node: %w", err)
	}
	return nil
}

func (a *Applier) nodeFromEvent(ev *Event) *models.Node {
	node := &models.Node{
		ID:          ev.NodeID,
		TraceID:     ev.TraceID,
		RunID:       ev.RunID,
		ParentRunID: ev.ParentRunID,
		Type:        models.NodeType(ev.Type),
		Model:       ev.Model,
		StartTime:   ev.Timestamp,
	}
	if node.ID == "" {
		node.ID = uuid.NewString()
	}
	if ev.Tokens != nil {
		node.Tokens = *ev.Tokens
	}
	if ev.Data != nil {
		node.Data = *ev.Data
	}
	return node
}

func mergeData(dst, src *models.NodeData) {
	if len(src.Prompts) > 0 {
		dst.Prompts = src.Prompts
	}
	if src.Response != "" {
		dst.Response = src.Response
	}
	if src.Reasoning != "" {
		dst.Reasoning = src.Reasoning
	}
	if src.ToolName != "" {
		dst.ToolName = src.ToolName
	}
	if src.ToolInput != "" {
		dst.ToolInput = src.ToolInput
	}
	if src.ToolOutput != "" {
		dst.ToolOutput = src.ToolOutput
	}
	if src.ChainName != "" {
		dst.ChainName = src.ChainName
	}
	if len(src.Metadata) > 0 {
		if dst.Metadata == nil {
			dst.Metadata = map[string]any{}
		}
		for k, v := range src.Metadata {
			dst.Metadata[k] = v
		}
	}
}
