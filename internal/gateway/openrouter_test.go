package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lunar-ai/lunar/internal/model"
)

func TestOpenRouterClientStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("X-Title"); got != AppTitle {
			t.Fatalf("unexpected X-Title header: %q", got)
		}
		if got := r.Header.Get("HTTP-Referer"); got != "http://example.test" {
			t.Fatalf("unexpected HTTP-Referer header: %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client, err := newOpenRouterClient("key", "http://example.test", "google/gemini-2.0-flash-001", server.URL)
	if err != nil {
		t.Fatalf("newOpenRouterClient failed: %v", err)
	}

	s, err := client.OpenStream(context.Background(), []model.ChatMessage{
		{Role: "user", Content: "hello"},
	})
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}
	defer s.Close()

	var got string
	for {
		delta, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Recv failed: %v", err)
		}
		got += delta
	}
	if got != "Hello" {
		t.Fatalf("expected %q, got %q", "Hello", got)
	}
}

func TestOpenRouterClientUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		fmt.Fprint(w, `{"error":{"message":"insufficient credits","type":"payment_error"}}`)
	}))
	defer server.Close()

	client, err := newOpenRouterClient("key", "http://example.test", "google/gemini-2.0-flash-001", server.URL)
	if err != nil {
		t.Fatalf("newOpenRouterClient failed: %v", err)
	}

	_, err = client.OpenStream(context.Background(), []model.ChatMessage{
		{Role: "user", Content: "hello"},
	})
	var gwErr *Error
	if !errors.As(err, &gwErr) {
		t.Fatalf("expected gateway.Error, got %v", err)
	}
	if gwErr.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected status 402, got %d", gwErr.StatusCode)
	}
}

func TestNewOpenRouterClientRequiresKey(t *testing.T) {
	if _, err := NewOpenRouterClient("", "http://example.test", "m"); err == nil {
		t.Fatalf("expected error for missing key")
	}
}
