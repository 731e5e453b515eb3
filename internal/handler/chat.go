// Package handler provides HTTP handlers for the API.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lunar-ai/lunar/internal/gateway"
	"github.com/lunar-ai/lunar/internal/middleware"
	"github.com/lunar-ai/lunar/internal/model"
	"github.com/lunar-ai/lunar/pkg/logger"
	"github.com/lunar-ai/lunar/pkg/metrics"
)

// ChatHandler proxies chat requests to the upstream LLM gateway and relays
// the completion back as an event stream.
type ChatHandler struct {
	provider gateway.Client
	logger   *logger.Logger
}

// NewChatHandler creates a new chat handler. provider may be nil when the
// upstream API key is not configured; requests then fail fast with a 500.
func NewChatHandler(provider gateway.Client, log *logger.Logger) *ChatHandler {
	return &ChatHandler{
		provider: provider,
		logger:   log,
	}
}

// sseChunk is the frame shape relayed to clients.
type sseChunk struct {
	Choices []sseChoice `json:"choices"`
}

type sseChoice struct {
	Delta sseDelta `json:"delta"`
}

type sseDelta struct {
	Content string `json:"content"`
}

// Chat handles POST /chat.
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.provider == nil {
		writeError(w, http.StatusInternalServerError, "UPSTREAM_API_KEY is not defined.")
		return
	}

	var req model.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages cannot be empty")
		return
	}
	for _, msg := range req.Messages {
		if err := middleware.ValidateRole(msg.Role); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := middleware.ValidateMessageContent(msg.Content); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	start := time.Now()
	s, err := h.provider.OpenStream(ctx, req.Messages)
	if err != nil {
		var gwErr *gateway.Error
		if errors.As(err, &gwErr) {
			h.logger.Error("upstream gateway error",
				zap.Int("status", gwErr.StatusCode),
				zap.String("provider", h.provider.Name()),
				zap.String("message", gwErr.Message),
			)
			metrics.RecordGatewayStream(h.provider.Name(), "error", time.Since(start).Seconds())
			writeError(w, gwErr.StatusCode, fmt.Sprintf("upstream gateway error: %s", gwErr.Message))
			return
		}
		h.logger.Error("failed to open upstream stream", zap.Error(err))
		metrics.RecordGatewayStream(h.provider.Name(), "error", time.Since(start).Seconds())
		writeError(w, http.StatusBadGateway, "failed to generate response")
		return
	}
	defer s.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	metrics.ChatStreamsActive.Inc()
	defer metrics.ChatStreamsActive.Dec()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("chat client disconnected",
				zap.String("correlation_id", middleware.GetCorrelationID(ctx)))
			return
		default:
		}

		delta, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Mid-stream failure: the frames already sent stand; the client
			// decoder surfaces the truncation as a transport error.
			h.logger.Error("upstream stream failed mid-flight", zap.Error(err))
			metrics.RecordGatewayStream(h.provider.Name(), "error", time.Since(start).Seconds())
			return
		}

		if err := sendDelta(w, flusher, delta); err != nil {
			return
		}
		metrics.ChatDeltasTotal.Inc()
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
	metrics.RecordGatewayStream(h.provider.Name(), "success", time.Since(start).Seconds())
}

func sendDelta(w http.ResponseWriter, flusher http.Flusher, delta string) error {
	frame, err := json.Marshal(sseChunk{Choices: []sseChoice{{Delta: sseDelta{Content: delta}}}})
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", frame); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
