// Package models defines the core data types shared across the Axon trace
// replay service: traces, recorded nodes, edges, and the event payloads
// delivered over the subscription protocol.
package models

import (
	"strings"
	"time"
)

// TraceStatus describes the lifecycle state of a trace.
type TraceStatus string

const (
	TraceRunning  TraceStatus = "running"
	TraceComplete TraceStatus = "complete"
	TraceError    TraceStatus = "error"
)

// Trace is one run of an agent invocation: the aggregate of its recorded
// events. A trace is created on the first event and closed when an end event
// arrives or a deadline elapses.
type Trace struct {
	ID          string      `json:"id"`
	ProjectName string      `json:"projectName"`
	Status      TraceStatus `json:"status"`
	StartTime   time.Time   `json:"startTime"`
	EndTime     *time.Time  `json:"endTime,omitempty"`

	// Coarse aggregates maintained by ingestion.
	TotalCost  float64 `json:"totalCost"`
	TotalNodes int     `json:"totalNodes"`
}

// NodeType classifies a recorded step. Coarse and fine variants coexist:
// agents that emit explicit start/end events use the fine types, others emit
// the coarse ones.
type NodeType string

const (
	NodeLLM        NodeType = "llm"
	NodeTool       NodeType = "tool"
	NodeChain      NodeType = "chain"
	NodeAgent      NodeType = "agent"
	NodeLLMStart   NodeType = "llm_start"
	NodeLLMEnd     NodeType = "llm_end"
	NodeToolStart  NodeType = "tool_start"
	NodeToolEnd    NodeType = "tool_end"
	NodeChainStart NodeType = "chain_start"
	NodeChainEnd   NodeType = "chain_end"
)

// ToolLike reports whether the type denotes a tool invocation.
func (t NodeType) ToolLike() bool {
	switch t {
	case NodeTool, NodeToolStart, NodeToolEnd:
		return true
	}
	return false
}

// NodeStatus describes the lifecycle state of a single node.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "complete"
	NodeErrored   NodeStatus = "error"
)

// TokenUsage carries per-node token counts. Some recorded nodes use the
// prompt/completion field names instead of input/output; both pairs are
// decoded and treated as synonyms by attribution.
type TokenUsage struct {
	Input      int64 `json:"input,omitempty"`
	Output     int64 `json:"output,omitempty"`
	Total      int64 `json:"total,omitempty"`
	Prompt     int64 `json:"prompt,omitempty"`
	Completion int64 `json:"completion,omitempty"`
}

// InputTokens returns the input-side count, preferring the input field over
// its prompt synonym.
func (u TokenUsage) InputTokens() int64 {
	if u.Input != 0 {
		return u.Input
	}
	return u.Prompt
}

// OutputTokens returns the output-side count, preferring the output field
// over its completion synonym.
func (u TokenUsage) OutputTokens() int64 {
	if u.Output != 0 {
		return u.Output
	}
	return u.Completion
}

// NodeData is the polymorphic payload bag recorded with a node. Known keys
// are typed; everything else lands in Metadata.
type NodeData struct {
	Prompts    []string       `json:"prompts,omitempty"`
	Response   string         `json:"response,omitempty"`
	Reasoning  string         `json:"reasoning,omitempty"`
	ToolName   string         `json:"toolName,omitempty"`
	ToolInput  string         `json:"toolInput,omitempty"`
	ToolOutput string         `json:"toolOutput,omitempty"`
	ChainName  string         `json:"chainName,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Node is one recorded step within a trace. It carries two identifiers: ID
// is assigned by the store and stable; RunID is assigned by the originating
// agent and used for parent/child linking.
type Node struct {
	ID          string     `json:"id"`
	TraceID     string     `json:"traceId"`
	RunID       string     `json:"runId,omitempty"`
	ParentRunID string     `json:"parentRunId,omitempty"`
	Type        NodeType   `json:"type"`
	Status      NodeStatus `json:"status"`
	Model       string     `json:"model,omitempty"`

	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	LatencyMs int64      `json:"latencyMs,omitempty"`

	Cost   float64    `json:"cost"`
	Tokens TokenUsage `json:"tokens"`
	Data   NodeData   `json:"data"`

	// RawTokens and RawData hold the undecoded JSON text for stores that
	// persist the bags as columns of text. Graph building decodes them.
	RawTokens string `json:"-"`
	RawData   string `json:"-"`
}

// Latency returns the recorded latency, falling back to the start/end delta.
func (n *Node) Latency() int64 {
	if n.LatencyMs > 0 {
		return n.LatencyMs
	}
	if n.EndTime != nil {
		if d := n.EndTime.Sub(n.StartTime).Milliseconds(); d > 0 {
			return d
		}
	}
	return 0
}

// IsCalculator reports whether the node records a calculator tool call.
// Calculator nodes never accrue cost.
func (n *Node) IsCalculator() bool {
	return strings.EqualFold(n.Data.ToolName, "calculator")
}

// Edge links two nodes. Either endpoint may be recorded with a store node ID
// or with an agent run ID; canonicalization resolves both kinds.
type Edge struct {
	TraceID string `json:"traceId"`
	From    string `json:"from"`
	To      string `json:"to"`
}

// CanonicalEdge is the post-resolution edge form used by traversal. Both
// endpoints are store node IDs.
type CanonicalEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}
