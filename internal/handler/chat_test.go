package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lunar-ai/lunar/internal/gateway"
	"github.com/lunar-ai/lunar/internal/model"
	"github.com/lunar-ai/lunar/internal/stream"
	"github.com/lunar-ai/lunar/pkg/logger"
)

// fakeStream plays back a fixed delta sequence, optionally failing at the end.
type fakeStream struct {
	deltas []string
	err    error
	pos    int
}

func (s *fakeStream) Recv() (string, error) {
	if s.pos >= len(s.deltas) {
		if s.err != nil {
			return "", s.err
		}
		return "", io.EOF
	}
	delta := s.deltas[s.pos]
	s.pos++
	return delta, nil
}

func (s *fakeStream) Close() error { return nil }

type fakeProvider struct {
	stream  *fakeStream
	openErr error
}

func (p *fakeProvider) OpenStream(ctx context.Context, messages []model.ChatMessage) (gateway.Stream, error) {
	if p.openErr != nil {
		return nil, p.openErr
	}
	return p.stream, nil
}

func (p *fakeProvider) Name() string { return "fake" }

func postChat(t *testing.T, h *ChatHandler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Chat(rec, req)
	return rec
}

const validBody = `{"messages":[{"role":"user","content":"hello"}]}`

func TestChatMissingAPIKey(t *testing.T) {
	h := NewChatHandler(nil, logger.NewNop())
	rec := postChat(t, h, validBody)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid error body: %v", err)
	}
	if resp["error"] != "UPSTREAM_API_KEY is not defined." {
		t.Fatalf("unexpected error message: %q", resp["error"])
	}
}

func TestChatGatewayErrorPropagated(t *testing.T) {
	h := NewChatHandler(&fakeProvider{
		openErr: &gateway.Error{StatusCode: http.StatusPaymentRequired, Message: "insufficient credits"},
	}, logger.NewNop())
	rec := postChat(t, h, validBody)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected gateway status 402, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "insufficient credits") {
		t.Fatalf("expected raw upstream text in body, got %s", rec.Body.String())
	}
}

func TestChatRejectsInvalidBody(t *testing.T) {
	h := NewChatHandler(&fakeProvider{stream: &fakeStream{}}, logger.NewNop())

	for _, body := range []string{
		`{`,
		`{"messages":[]}`,
		`{"messages":[{"role":"system","content":"x"}]}`,
		`{"messages":[{"role":"user","content":""}]}`,
	} {
		rec := postChat(t, h, body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestChatStreamsDeltas(t *testing.T) {
	h := NewChatHandler(&fakeProvider{
		stream: &fakeStream{deltas: []string{"Hel", "lo"}},
	}, logger.NewNop())
	rec := postChat(t, h, validBody)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event stream content type, got %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Fatalf("expected no-cache, got %q", cc)
	}

	// The emitted frames must round-trip through the client decoder.
	content, err := stream.Collect(stream.NewDecoder(rec.Body))
	if err != nil {
		t.Fatalf("decoding relayed stream failed: %v", err)
	}
	if content != "Hello" {
		t.Fatalf("expected %q, got %q", "Hello", content)
	}
}

func TestChatMidStreamErrorKeepsSentFrames(t *testing.T) {
	h := NewChatHandler(&fakeProvider{
		stream: &fakeStream{deltas: []string{"partial"}, err: io.ErrUnexpectedEOF},
	}, logger.NewNop())
	rec := postChat(t, h, validBody)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 (headers already sent), got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "partial") {
		t.Fatalf("expected already-sent delta in body, got %s", body)
	}
	if strings.Contains(body, "[DONE]") {
		t.Fatalf("stream must not be terminated cleanly after a failure")
	}
}
