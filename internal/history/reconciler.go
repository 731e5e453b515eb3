// Package history reconciles the three conversation-history tiers: the
// in-memory view, the device-local cache, and the per-identity remote store.
package history

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lunar-ai/lunar/internal/model"
	"github.com/lunar-ai/lunar/pkg/logger"
	"github.com/lunar-ai/lunar/pkg/metrics"
)

// MigratedTitle is the fallback title for conversations pushed to the
// remote store without a derived title.
const MigratedTitle = "Imported Chat"

// DefaultDebounce is the delay window coalescing remote writes.
const DefaultDebounce = 800 * time.Millisecond

// LocalStore is the device-local snapshot store.
type LocalStore interface {
	Load() []model.Conversation
	Save([]model.Conversation) error
}

// RemoteStore is the per-identity durable store.
type RemoteStore interface {
	Subscribe(ctx context.Context, identityID string, onUpdate func([]model.Conversation), onError func(error)) (func(), error)
	Save(ctx context.Context, identityID, conversationID, title string, messages []model.Message) error
	Delete(ctx context.Context, identityID, conversationID string) error
	BulkDelete(ctx context.Context, identityID string, conversationIDs []string) error
}

type pendingSave struct {
	conversationID string
	title          string
	messages       []model.Message
}

// Reconciler owns the history view. The remote store is authoritative the
// moment it is reachable; the local cache is a warm mirror and the only
// source when the identity is anonymous or the remote is degraded. The
// active conversation's in-memory copy is owned by the session manager and
// is never reverted by a remote push.
type Reconciler struct {
	local  LocalStore
	remote RemoteStore
	logger *logger.Logger

	debounce time.Duration
	now      func() time.Time

	mu            sync.Mutex
	ctx           context.Context
	identityID    string
	authenticated bool
	view          []model.Conversation
	localSeed     []model.Conversation
	hasMigrated   bool
	degraded      bool
	activeID      string
	unsubscribe   func()
	saveTimer     *time.Timer
	pending       *pendingSave
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithDebounce overrides the remote write debounce window.
func WithDebounce(d time.Duration) Option {
	return func(r *Reconciler) { r.debounce = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// New creates a reconciler. remote may be nil, which forces local-only mode.
func New(local LocalStore, remote RemoteStore, log *logger.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		local:    local,
		remote:   remote,
		logger:   log,
		debounce: DefaultDebounce,
		now:      time.Now,
		ctx:      context.Background(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start loads the local cache synchronously (the fast path that populates
// the view before the remote responds) and, when the identity is
// authenticated and a remote store is available, opens the remote
// subscription.
func (r *Reconciler) Start(ctx context.Context, identityID string, authenticated bool) {
	r.mu.Lock()
	r.ctx = ctx
	r.identityID = identityID
	r.authenticated = authenticated && r.remote != nil && identityID != ""
	r.localSeed = cloneAll(r.local.Load())
	r.view = cloneAll(r.localSeed)
	authed := r.authenticated
	r.mu.Unlock()

	if !authed {
		return
	}

	unsub, err := r.remote.Subscribe(ctx, identityID, r.onRemoteSnapshot, r.onRemoteError)
	if err != nil {
		r.logger.Warn("remote history subscription failed, serving local cache",
			zap.String("identity_id", identityID), zap.Error(err))
		r.mu.Lock()
		r.degraded = true
		r.mu.Unlock()
		return
	}

	r.mu.Lock()
	r.unsubscribe = unsub
	r.mu.Unlock()
}

// Stop flushes any pending remote write, closes the subscription, and
// resets the process-local migration flag (it must not survive sign-out).
func (r *Reconciler) Stop() {
	r.Flush()

	r.mu.Lock()
	unsub := r.unsubscribe
	r.unsubscribe = nil
	r.hasMigrated = false
	r.authenticated = false
	r.identityID = ""
	r.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

// View returns the current history view, newest first.
func (r *Reconciler) View() []model.Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneAll(r.view)
}

// Degraded reports whether remote sync is currently unavailable.
func (r *Reconciler) Degraded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.degraded
}

// SetActive marks the conversation whose in-memory copy the session manager
// owns; remote pushes will not revert it.
func (r *Reconciler) SetActive(conversationID string) {
	r.mu.Lock()
	r.activeID = conversationID
	r.mu.Unlock()
}

// onRemoteSnapshot applies one remote push: migrate local-only
// conversations up (once), adopt the remote snapshot as the view, and
// mirror it back down to the local cache.
func (r *Reconciler) onRemoteSnapshot(remote []model.Conversation) {
	r.mu.Lock()
	r.degraded = false

	remoteIDs := make(map[string]bool, len(remote))
	for _, c := range remote {
		remoteIDs[c.ID] = true
	}

	var toMigrate []model.Conversation
	if !r.hasMigrated {
		// Tag migration as attempted before any write goes out so a second
		// push racing this one cannot duplicate the writes.
		r.hasMigrated = true
		for _, c := range r.localSeed {
			if !remoteIDs[c.ID] {
				toMigrate = append(toMigrate, c.Clone())
			}
		}
	}

	newView := cloneAll(remote)
	if r.activeID != "" {
		if current, ok := findConversation(r.view, r.activeID); ok {
			if _, inRemote := findConversation(newView, r.activeID); inRemote {
				replaceConversation(newView, current)
			} else {
				newView = append([]model.Conversation{current}, newView...)
			}
		}
	}
	model.SortByLastModified(newView)
	r.view = newView

	mirror := cloneAll(newView)
	identityID := r.identityID
	ctx := r.ctx
	r.mu.Unlock()

	// Mirror-down. Local write failures are soft; the store logs them.
	_ = r.local.Save(mirror)

	if len(toMigrate) == 0 {
		return
	}

	failed := false
	for _, c := range toMigrate {
		title := c.Title
		if title == "" {
			title = MigratedTitle
		}
		if err := r.remote.Save(ctx, identityID, c.ID, title, c.Messages); err != nil {
			r.logger.Error("failed to migrate cached conversation to remote store",
				zap.String("conversation_id", c.ID), zap.Error(err))
			metrics.MigrationsTotal.WithLabelValues("cache", "error").Inc()
			failed = true
			continue
		}
		metrics.MigrationsTotal.WithLabelValues("cache", "success").Inc()
	}
	if failed {
		// Allow the next remote push to retry the writes that were lost.
		r.mu.Lock()
		r.hasMigrated = false
		r.mu.Unlock()
	}
}

// onRemoteError enters degraded mode, keeping the last good view.
func (r *Reconciler) onRemoteError(err error) {
	r.logger.Warn("remote history subscription error, serving local cache", zap.Error(err))
	r.mu.Lock()
	r.degraded = true
	r.mu.Unlock()
}

// SaveConversation persists the (active) conversation: the view and local
// cache are updated synchronously, the remote write is debounced so rapid
// successive deltas coalesce into one write. Returns the conversation with
// its stamped lastModified.
func (r *Reconciler) SaveConversation(conv model.Conversation) model.Conversation {
	stamped := conv.Clone()

	r.mu.Lock()
	stamped.LastModified = r.now()
	replaceOrPrepend(&r.view, stamped)
	model.SortByLastModified(r.view)
	mirror := cloneAll(r.view)

	if r.authenticated {
		r.pending = &pendingSave{
			conversationID: stamped.ID,
			title:          stamped.Title,
			messages:       append([]model.Message(nil), stamped.Messages...),
		}
		if r.saveTimer != nil {
			r.saveTimer.Stop()
		}
		r.saveTimer = time.AfterFunc(r.debounce, r.flushPending)
	}
	r.mu.Unlock()

	_ = r.local.Save(mirror)
	return stamped
}

// Flush sends any pending debounced remote write immediately. Call before
// switching conversations so a write is never lost on switch.
func (r *Reconciler) Flush() {
	r.flushPending()
}

func (r *Reconciler) flushPending() {
	r.mu.Lock()
	p := r.pending
	r.pending = nil
	if r.saveTimer != nil {
		r.saveTimer.Stop()
		r.saveTimer = nil
	}
	identityID := r.identityID
	authed := r.authenticated
	ctx := r.ctx
	r.mu.Unlock()

	if p == nil || !authed {
		return
	}

	if err := r.remote.Save(ctx, identityID, p.conversationID, p.title, p.messages); err != nil {
		r.logger.Warn("remote history save failed",
			zap.String("conversation_id", p.conversationID), zap.Error(err))
		metrics.RecordSave("remote", "error")
		r.mu.Lock()
		r.degraded = true
		r.mu.Unlock()
		return
	}
	metrics.RecordSave("remote", "success")
}

// Delete removes a conversation from every tier. A pending debounced write
// for the same id is cancelled first so a late write cannot resurrect it.
// Persistence failures are soft: the view and cache are updated regardless.
func (r *Reconciler) Delete(ctx context.Context, conversationID string) {
	r.mu.Lock()
	if r.pending != nil && r.pending.conversationID == conversationID {
		r.pending = nil
		if r.saveTimer != nil {
			r.saveTimer.Stop()
			r.saveTimer = nil
		}
	}
	r.view = removeConversations(r.view, map[string]bool{conversationID: true})
	mirror := cloneAll(r.view)
	identityID := r.identityID
	authed := r.authenticated
	r.mu.Unlock()

	_ = r.local.Save(mirror)

	if authed {
		if err := r.remote.Delete(ctx, identityID, conversationID); err != nil {
			r.logger.Warn("remote delete failed", zap.String("conversation_id", conversationID), zap.Error(err))
		}
	}
	metrics.HistoryDeletesTotal.WithLabelValues("single").Inc()
}

// ClearToday removes every conversation whose lastModified falls on the
// current calendar day (local time) and returns the removed ids.
func (r *Reconciler) ClearToday(ctx context.Context) []string {
	r.mu.Lock()
	today := r.now()
	doomed := make(map[string]bool)
	var ids []string
	for _, c := range r.view {
		if sameCalendarDay(c.LastModified, today) {
			doomed[c.ID] = true
			ids = append(ids, c.ID)
		}
	}
	if r.pending != nil && doomed[r.pending.conversationID] {
		r.pending = nil
		if r.saveTimer != nil {
			r.saveTimer.Stop()
			r.saveTimer = nil
		}
	}
	r.view = removeConversations(r.view, doomed)
	mirror := cloneAll(r.view)
	identityID := r.identityID
	authed := r.authenticated
	r.mu.Unlock()

	if len(ids) == 0 {
		return nil
	}

	_ = r.local.Save(mirror)

	if authed {
		if err := r.remote.BulkDelete(ctx, identityID, ids); err != nil {
			r.logger.Warn("remote bulk delete failed", zap.Int("count", len(ids)), zap.Error(err))
		}
	}
	metrics.HistoryDeletesTotal.WithLabelValues("today").Inc()
	return ids
}

func sameCalendarDay(a, b time.Time) bool {
	ay, am, ad := a.Local().Date()
	by, bm, bd := b.Local().Date()
	return ay == by && am == bm && ad == bd
}

func cloneAll(convs []model.Conversation) []model.Conversation {
	out := make([]model.Conversation, len(convs))
	for i, c := range convs {
		out[i] = c.Clone()
	}
	return out
}

func findConversation(convs []model.Conversation, id string) (model.Conversation, bool) {
	for _, c := range convs {
		if c.ID == id {
			return c.Clone(), true
		}
	}
	return model.Conversation{}, false
}

func replaceConversation(convs []model.Conversation, conv model.Conversation) {
	for i := range convs {
		if convs[i].ID == conv.ID {
			convs[i] = conv
			return
		}
	}
}

func replaceOrPrepend(convs *[]model.Conversation, conv model.Conversation) {
	for i := range *convs {
		if (*convs)[i].ID == conv.ID {
			(*convs)[i] = conv
			return
		}
	}
	*convs = append([]model.Conversation{conv}, *convs...)
}

func removeConversations(convs []model.Conversation, ids map[string]bool) []model.Conversation {
	out := convs[:0]
	for _, c := range convs {
		if !ids[c.ID] {
			out = append(out, c)
		}
	}
	return out
}
