package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/sashabaranov/go-openai"

	"github.com/lunar-ai/lunar/internal/model"
)

const openRouterBaseURL = "https://openrouter.ai/api/v1"

// OpenRouterClient streams chat completions through the OpenRouter gateway,
// which speaks the OpenAI chat-completions protocol.
type OpenRouterClient struct {
	client *openai.Client
	model  string
}

// NewOpenRouterClient creates a new OpenRouter client. siteOrigin is sent as
// the HTTP-Referer attribution header on every request.
func NewOpenRouterClient(apiKey, siteOrigin, chatModel string) (*OpenRouterClient, error) {
	return newOpenRouterClient(apiKey, siteOrigin, chatModel, openRouterBaseURL)
}

func newOpenRouterClient(apiKey, siteOrigin, chatModel, baseURL string) (*OpenRouterClient, error) {
	if apiKey == "" {
		return nil, errors.New("OpenRouter API key is required")
	}

	config := openai.DefaultConfig(apiKey)
	config.BaseURL = baseURL
	config.HTTPClient = &http.Client{
		Transport: &attributionTransport{
			base:   http.DefaultTransport,
			origin: siteOrigin,
		},
	}

	return &OpenRouterClient{
		client: openai.NewClientWithConfig(config),
		model:  chatModel,
	}, nil
}

// Name returns the provider name.
func (c *OpenRouterClient) Name() string {
	return "openrouter"
}

// OpenStream starts a streaming completion with the persona directive
// prepended to the conversation history.
func (c *OpenRouterClient) OpenStream(ctx context.Context, messages []model.ChatMessage) (Stream, error) {
	chatMessages := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	chatMessages = append(chatMessages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: Persona,
	})
	for _, msg := range messages {
		chatMessages = append(chatMessages, openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	s, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: chatMessages,
		Stream:   true,
	})
	if err != nil {
		return nil, mapOpenAIError(err)
	}

	return &openRouterStream{stream: s}, nil
}

type openRouterStream struct {
	stream *openai.ChatCompletionStream
}

// Recv returns the next non-empty content delta, or io.EOF at stream end.
func (s *openRouterStream) Recv() (string, error) {
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", mapOpenAIError(err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if delta := resp.Choices[0].Delta.Content; delta != "" {
			return delta, nil
		}
	}
}

func (s *openRouterStream) Close() error {
	return s.stream.Close()
}

func mapOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &Error{StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &Error{StatusCode: reqErr.HTTPStatusCode, Message: reqErr.Error()}
	}
	return err
}

// attributionTransport injects the attribution headers OpenRouter uses to
// credit traffic to a site.
type attributionTransport struct {
	base   http.RoundTripper
	origin string
}

func (t *attributionTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("HTTP-Referer", t.origin)
	clone.Header.Set("X-Title", AppTitle)
	return t.base.RoundTrip(clone)
}
