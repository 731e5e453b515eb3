// Package gateway provides streaming clients for upstream LLM providers.
package gateway

import (
	"context"
	"fmt"

	"github.com/lunar-ai/lunar/internal/model"
)

// Stream is a pull-based sequence of content deltas from the upstream
// provider. Recv returns io.EOF when the completion ends.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Client is the interface for upstream LLM providers. Implementations
// prepend the persona directive and request a streaming completion.
type Client interface {
	// OpenStream starts a streaming completion for the given history.
	OpenStream(ctx context.Context, messages []model.ChatMessage) (Stream, error)

	// Name returns the provider name.
	Name() string
}

// Error is an upstream gateway failure carrying the provider's status code
// and raw error text, so the endpoint can propagate both.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway error (status %d): %s", e.StatusCode, e.Message)
}

// Provider is the type of LLM provider.
type Provider string

const (
	ProviderOpenRouter Provider = "openrouter"
	ProviderAnthropic  Provider = "anthropic"
)

// NewClient creates an LLM client for the configured provider.
func NewClient(provider Provider, apiKey, siteOrigin, chatModel string) (Client, error) {
	switch provider {
	case ProviderAnthropic:
		return NewAnthropicClient(apiKey, chatModel)
	case ProviderOpenRouter:
		return NewOpenRouterClient(apiKey, siteOrigin, chatModel)
	default:
		return NewOpenRouterClient(apiKey, siteOrigin, chatModel)
	}
}
