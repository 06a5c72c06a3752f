package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider backs replay completions with Claude models.
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider creates the provider. An empty API key returns nil
// so the router treats the backend as unconfigured.
func NewAnthropicProvider(apiKey string) *AnthropicProvider {
	if apiKey == "" {
		return nil
	}
	return &AnthropicProvider{client: anthropic.NewClient(option.WithAPIKey(apiKey))}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Complete(ctx context.Context, req *Request) (<-chan Chunk, error) {
	if p == nil {
		return nil, errors.New("anthropic api key not configured")
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
		Messages:  convertAnthropicMessages(req.Messages),
	}
	params.Temperature = anthropic.Float(float64(req.Temperature))

	if !req.Stream {
		return p.completeBlocking(ctx, params)
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	chunks := make(chan Chunk)
	go func() {
		defer close(chunks)

		var usage Usage
		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "message_start":
				start := event.AsMessageStart()
				usage.PromptTokens = start.Message.Usage.InputTokens
			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				if delta.Type == "text_delta" && delta.Text != "" {
					chunks <- Chunk{Delta: delta.Text}
				}
			case "message_delta":
				usage.CompletionTokens = event.AsMessageDelta().Usage.OutputTokens
			}
		}
		if err := stream.Err(); err != nil {
			chunks <- Chunk{Err: fmt.Errorf("stream receive: %w", err), Done: true}
			return
		}
		chunks <- Chunk{Done: true, Usage: &usage}
	}()
	return chunks, nil
}

func (p *AnthropicProvider) completeBlocking(ctx context.Context, params anthropic.MessageNewParams) (<-chan Chunk, error) {
	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	text := ""
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	chunks := make(chan Chunk, 2)
	chunks <- Chunk{Delta: text}
	chunks <- Chunk{
		Done: true,
		Usage: &Usage{
			PromptTokens:     msg.Usage.InputTokens,
			CompletionTokens: msg.Usage.OutputTokens,
		},
	}
	close(chunks)
	return chunks, nil
}

func convertAnthropicMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == "assistant" {
			out = append(out, anthropic.NewAssistantMessage(block))
		} else {
			out = append(out, anthropic.NewUserMessage(block))
		}
	}
	return out
}
