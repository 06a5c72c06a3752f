// Package llm abstracts the model backends used for replay. Providers
// expose a single streaming-capable completion call; the coordinator treats
// blocking calls as a one-chunk stream.
package llm

import (
	"context"
	"strings"
)

// Provider is a model backend.
//
// Implementations must be safe for concurrent use; each Complete call owns
// an independent stream.
type Provider interface {
	// Complete issues the request and returns a channel of chunks. The
	// channel is closed after the terminal chunk (Done or Err set).
	Complete(ctx context.Context, req *Request) (<-chan Chunk, error)

	// Name returns the provider identifier used for routing and logging.
	Name() string
}

// Request is a replay completion request.
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float32   `json:"temperature"`
	MaxTokens   int       `json:"maxTokens"`

	// Stream requests incremental deltas. Blocking providers emit the full
	// text as a single chunk.
	Stream bool `json:"stream"`
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// JoinedText concatenates message contents, used for token estimation.
func JoinedText(messages []Message) string {
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, "\n")
}

// Chunk is one unit of a completion stream.
type Chunk struct {
	// Delta is incremental text. For blocking completions the full text
	// arrives in one chunk.
	Delta string

	// Usage carries provider-reported token counts when available. It is
	// only set on the terminal chunk.
	Usage *Usage

	// Err terminates the stream with a failure.
	Err error

	// Done marks the terminal chunk.
	Done bool
}

// Usage is provider-reported token consumption.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
}

// Router selects a provider by model name: claude-prefixed models route to
// Anthropic, everything else to OpenAI.
type Router struct {
	openai    Provider
	anthropic Provider
}

// NewRouter creates a router over the two backends. Either may be nil when
// its API key is not configured.
func NewRouter(openai, anthropic Provider) *Router {
	return &Router{openai: openai, anthropic: anthropic}
}

// For returns the provider responsible for the model, or nil when that
// backend is not configured.
func (r *Router) For(model string) Provider {
	if strings.HasPrefix(strings.ToLower(model), "claude") {
		return r.anthropic
	}
	return r.openai
}
