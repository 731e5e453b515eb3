// Package session owns the active conversation and its streaming
// lifecycle: one in-flight response at a time, optimistic user appends,
// and incremental assistant updates as deltas arrive.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lunar-ai/lunar/internal/model"
	"github.com/lunar-ai/lunar/pkg/logger"
)

// Greeting opens every new conversation.
const Greeting = "The void is silent. What seek you from the stars?"

// titleRuneLimit is how much of the first user message seeds the title.
const titleRuneLimit = 30

// State is the session lifecycle state.
type State int

const (
	// StateIdle accepts new sends.
	StateIdle State = iota
	// StateAwaitingResponse has a request in flight, no response yet.
	StateAwaitingResponse
	// StateStreaming has an open response and is receiving deltas.
	StateStreaming
	// StateErrored holds the last failure until the next send or reset.
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingResponse:
		return "awaiting_response"
	case StateStreaming:
		return "streaming"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrBusy is returned when a send arrives while a response is in flight.
	ErrBusy = errors.New("a response is already in flight")
	// ErrEmptyMessage is returned for blank sends.
	ErrEmptyMessage = errors.New("message content cannot be empty")
	// ErrNotFound is returned when opening an unknown conversation.
	ErrNotFound = errors.New("conversation not found")
)

// DeltaStream yields assistant content deltas until io.EOF.
type DeltaStream interface {
	Next() (string, error)
	Close() error
}

// Streamer opens a completion stream for a message sequence.
type Streamer interface {
	OpenStream(ctx context.Context, messages []model.ChatMessage) (DeltaStream, error)
}

// History is the slice of the reconciler the session depends on.
type History interface {
	SaveConversation(model.Conversation) model.Conversation
	Flush()
	Delete(ctx context.Context, conversationID string)
	ClearToday(ctx context.Context) []string
	SetActive(conversationID string)
	View() []model.Conversation
}

// Manager is the session state machine. All methods are safe for
// concurrent use; at most one stream is in flight at a time, and a stream
// superseded by reset, delete, or clear cannot apply late deltas.
type Manager struct {
	streamer Streamer
	history  History
	logger   *logger.Logger
	now      func() time.Time
	newID    func() string
	onDelta  func(string)

	mu        sync.Mutex
	state     State
	err       error
	conv      model.Conversation
	pendingID string
	cancel    context.CancelFunc
	done      chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator overrides id generation.
func WithIDGenerator(newID func() string) Option {
	return func(m *Manager) { m.newID = newID }
}

// WithDeltaHook registers a callback invoked for each applied delta.
func WithDeltaHook(fn func(string)) Option {
	return func(m *Manager) { m.onDelta = fn }
}

// NewManager creates a session manager seeded with a fresh greeted
// conversation.
func NewManager(streamer Streamer, history History, log *logger.Logger, opts ...Option) *Manager {
	m := &Manager{
		streamer: streamer,
		history:  history,
		logger:   log,
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(m)
	}

	m.mu.Lock()
	m.startConversationLocked()
	m.mu.Unlock()
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the failure held by an errored session, nil otherwise.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Conversation returns a copy of the active conversation.
func (m *Manager) Conversation() model.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conv.Clone()
}

// Messages returns a copy of the active conversation's messages.
func (m *Manager) Messages() []model.Message {
	return m.Conversation().Messages
}

// Send appends the user message optimistically and starts streaming the
// assistant response. It returns immediately; observe progress through
// State, the delta hook, or Wait. Valid from idle and errored only.
func (m *Manager) Send(ctx context.Context, content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}

	m.mu.Lock()
	if m.state == StateAwaitingResponse || m.state == StateStreaming {
		m.mu.Unlock()
		return ErrBusy
	}
	m.state = StateAwaitingResponse
	m.err = nil

	m.conv.Messages = append(m.conv.Messages, model.Message{
		ID:        m.newID(),
		Role:      model.RoleUser,
		Content:   content,
		Timestamp: m.now(),
	})
	if m.conv.Title == "" {
		m.conv.Title = deriveTitle(content)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	streamID := m.newID()
	done := make(chan struct{})
	m.cancel = cancel
	m.pendingID = streamID
	m.done = done
	messages := m.conv.ChatMessages()
	snapshot := m.conv.Clone()
	m.mu.Unlock()

	m.history.SaveConversation(snapshot)
	go m.run(streamCtx, cancel, streamID, messages, done)
	return nil
}

// Wait blocks until the in-flight stream, if any, has finished.
func (m *Manager) Wait() {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (m *Manager) run(ctx context.Context, cancel context.CancelFunc, streamID string, messages []model.ChatMessage, done chan struct{}) {
	defer close(done)
	defer cancel()

	s, err := m.streamer.OpenStream(ctx, messages)
	if err != nil {
		m.fail(streamID, err)
		return
	}
	defer s.Close()

	if !m.beginStreaming(streamID) {
		return
	}

	for {
		delta, err := s.Next()
		if errors.Is(err, io.EOF) {
			m.finish(streamID)
			return
		}
		if err != nil {
			m.fail(streamID, err)
			return
		}
		if !m.applyDelta(streamID, delta) {
			return
		}
	}
}

// beginStreaming appends the empty placeholder assistant message as soon
// as the upstream response opens, before any delta arrives. Returns false
// when the stream has been superseded.
func (m *Manager) beginStreaming(streamID string) bool {
	m.mu.Lock()
	if m.pendingID != streamID {
		m.mu.Unlock()
		return false
	}
	m.state = StateStreaming
	m.conv.Messages = append(m.conv.Messages, model.Message{
		ID:        streamID,
		Role:      model.RoleAssistant,
		Timestamp: m.now(),
	})
	snapshot := m.conv.Clone()
	m.mu.Unlock()

	m.history.SaveConversation(snapshot)
	return true
}

// applyDelta appends a content delta to the placeholder assistant message.
// Returns false when the stream has been superseded.
func (m *Manager) applyDelta(streamID, delta string) bool {
	m.mu.Lock()
	if m.pendingID != streamID {
		m.mu.Unlock()
		return false
	}
	last := len(m.conv.Messages) - 1
	m.conv.Messages[last].Content += delta
	snapshot := m.conv.Clone()
	onDelta := m.onDelta
	m.mu.Unlock()

	m.history.SaveConversation(snapshot)
	if onDelta != nil {
		onDelta(delta)
	}
	return true
}

func (m *Manager) finish(streamID string) {
	m.mu.Lock()
	if m.pendingID != streamID {
		m.mu.Unlock()
		return
	}
	m.pendingID = ""
	m.cancel = nil
	m.state = StateIdle
	snapshot := m.conv.Clone()
	m.mu.Unlock()

	m.history.SaveConversation(snapshot)
}

// fail transitions to errored, keeping whatever partial content already
// streamed in.
func (m *Manager) fail(streamID string, err error) {
	m.mu.Lock()
	if m.pendingID != streamID {
		m.mu.Unlock()
		return
	}
	m.pendingID = ""
	m.cancel = nil
	m.state = StateErrored
	m.err = err
	snapshot := m.conv.Clone()
	m.mu.Unlock()

	m.logger.Warn("chat stream failed", zap.String("conversation_id", snapshot.ID), zap.Error(err))
	m.history.SaveConversation(snapshot)
}

// Reset abandons the in-flight stream, flushes any pending history write,
// and starts a fresh greeted conversation.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.supersedeLocked()
	m.mu.Unlock()

	m.history.Flush()

	m.mu.Lock()
	m.startConversationLocked()
	m.mu.Unlock()
}

// Open switches the session to an existing conversation from the history
// view, flushing any pending write for the previous one first.
func (m *Manager) Open(conversationID string) error {
	m.mu.Lock()
	m.supersedeLocked()
	m.mu.Unlock()

	m.history.Flush()

	var found *model.Conversation
	for _, c := range m.history.View() {
		if c.ID == conversationID {
			clone := c.Clone()
			found = &clone
			break
		}
	}
	if found == nil {
		return ErrNotFound
	}

	m.mu.Lock()
	m.conv = *found
	m.state = StateIdle
	m.err = nil
	m.mu.Unlock()

	m.history.SetActive(conversationID)
	return nil
}

// Delete removes a conversation from history. Deleting the active
// conversation cancels its stream and starts a fresh one.
func (m *Manager) Delete(ctx context.Context, conversationID string) {
	m.mu.Lock()
	active := m.conv.ID == conversationID
	if active {
		m.supersedeLocked()
	}
	m.mu.Unlock()

	m.history.Delete(ctx, conversationID)

	if active {
		m.mu.Lock()
		m.startConversationLocked()
		m.mu.Unlock()
	}
}

// ClearToday removes every conversation last modified today and returns
// the removed ids. An active stream is abandoned first: a conversation
// streaming right now is by definition part of today's set.
func (m *Manager) ClearToday(ctx context.Context) []string {
	m.mu.Lock()
	if m.pendingID != "" {
		m.supersedeLocked()
	}
	activeID := m.conv.ID
	m.mu.Unlock()

	ids := m.history.ClearToday(ctx)

	for _, id := range ids {
		if id == activeID {
			m.mu.Lock()
			m.startConversationLocked()
			m.mu.Unlock()
			break
		}
	}
	return ids
}

// supersedeLocked cancels the in-flight stream and detaches it so late
// deltas cannot touch the conversation. Caller holds m.mu.
func (m *Manager) supersedeLocked() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.pendingID = ""
}

// startConversationLocked installs a fresh greeted conversation. Caller
// holds m.mu.
func (m *Manager) startConversationLocked() {
	m.conv = model.Conversation{
		ID: m.newID(),
		Messages: []model.Message{{
			ID:        m.newID(),
			Role:      model.RoleAssistant,
			Content:   Greeting,
			Timestamp: m.now(),
		}},
	}
	m.state = StateIdle
	m.err = nil
	m.history.SetActive(m.conv.ID)
}

// deriveTitle seeds a conversation title from the first user message.
func deriveTitle(content string) string {
	runes := []rune(content)
	if len(runes) > titleRuneLimit {
		runes = runes[:titleRuneLimit]
	}
	return string(runes) + "..."
}
