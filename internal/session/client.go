package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lunar-ai/lunar/internal/gateway"
	"github.com/lunar-ai/lunar/internal/model"
	"github.com/lunar-ai/lunar/internal/stream"
)

const chatPath = "/api/chat"

// HTTPStreamer streams completions from the chat service's /api/chat
// endpoint.
type HTTPStreamer struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// ClientOption configures an HTTPStreamer.
type ClientOption func(*HTTPStreamer)

// WithToken attaches a bearer token to every request.
func WithToken(token string) ClientOption {
	return func(c *HTTPStreamer) { c.token = token }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *HTTPStreamer) { c.httpClient = hc }
}

// NewHTTPStreamer creates a streamer targeting the given service base URL.
func NewHTTPStreamer(baseURL string, opts ...ClientOption) *HTTPStreamer {
	c := &HTTPStreamer{
		baseURL: strings.TrimRight(baseURL, "/"),
		// No overall timeout: response bodies are long-lived streams.
		httpClient: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OpenStream posts the message sequence and returns the delta stream. A
// non-200 response is surfaced as a *gateway.Error carrying the service's
// status and error message.
func (c *HTTPStreamer) OpenStream(ctx context.Context, messages []model.ChatMessage) (DeltaStream, error) {
	body, err := json.Marshal(model.ChatRequest{Messages: messages})
	if err != nil {
		return nil, fmt.Errorf("failed to encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+chatPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach chat service: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeServiceError(resp)
	}

	return &httpStream{body: resp.Body, dec: stream.NewDecoder(resp.Body)}, nil
}

func decodeServiceError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var payload struct {
		Error string `json:"error"`
	}
	message := strings.TrimSpace(string(raw))
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error != "" {
		message = payload.Error
	}
	if message == "" {
		message = resp.Status
	}
	return &gateway.Error{StatusCode: resp.StatusCode, Message: message}
}

type httpStream struct {
	body io.ReadCloser
	dec  *stream.Decoder
}

func (s *httpStream) Next() (string, error) {
	return s.dec.Next()
}

func (s *httpStream) Close() error {
	return s.body.Close()
}
