package gateway

import (
	"context"
	"errors"
	"io"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/lunar-ai/lunar/internal/model"
)

const anthropicMaxTokens = 4096

// AnthropicClient streams chat completions directly from the Anthropic API,
// as an alternative to routing through OpenRouter.
type AnthropicClient struct {
	client *anthropic.Client
	model  string
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(apiKey, chatModel string) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, errors.New("Anthropic API key is required")
	}
	if chatModel == "" {
		chatModel = "claude-3-5-sonnet-20241022"
	}

	return &AnthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  chatModel,
	}, nil
}

// Name returns the provider name.
func (c *AnthropicClient) Name() string {
	return "anthropic"
}

// OpenStream starts a streaming completion with the persona as the system
// directive.
func (c *AnthropicClient) OpenStream(ctx context.Context, messages []model.ChatMessage) (Stream, error) {
	params := make([]anthropic.MessageParam, len(messages))
	for i, msg := range messages {
		params[i] = anthropic.MessageParam{
			Role: anthropic.F(anthropic.MessageParamRole(msg.Role)),
			Content: anthropic.F([]anthropic.ContentBlockParamUnion{
				anthropic.TextBlockParam{
					Type: anthropic.F(anthropic.TextBlockParamTypeText),
					Text: anthropic.F(msg.Content),
				},
			}),
		}
	}

	s := c.client.Messages.NewStreaming(ctx, anthropic.MessageNewParams{
		Model:     anthropic.F(c.model),
		MaxTokens: anthropic.F(int64(anthropicMaxTokens)),
		System: anthropic.F([]anthropic.TextBlockParam{
			{
				Type: anthropic.F(anthropic.TextBlockParamTypeText),
				Text: anthropic.F(Persona),
			},
		}),
		Messages: anthropic.F(params),
	})

	return &anthropicStream{stream: s}, nil
}

type anthropicStream struct {
	stream *ssestream.Stream[anthropic.MessageStreamEvent]
}

// Recv returns the next text delta, or io.EOF once the message is complete.
func (s *anthropicStream) Recv() (string, error) {
	for s.stream.Next() {
		event := s.stream.Current()
		if event.Type != anthropic.MessageStreamEventTypeContentBlockDelta {
			continue
		}
		delta, ok := event.Delta.(anthropic.ContentBlockDeltaEventDelta)
		if !ok || delta.Type != "text_delta" || delta.Text == "" {
			continue
		}
		return delta.Text, nil
	}

	if err := s.stream.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

func (s *anthropicStream) Close() error {
	return s.stream.Close()
}
