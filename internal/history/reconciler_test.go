package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lunar-ai/lunar/internal/model"
	"github.com/lunar-ai/lunar/pkg/logger"
)

type fakeLocal struct {
	mu    sync.Mutex
	seed  []model.Conversation
	saves [][]model.Conversation
}

func (f *fakeLocal) Load() []model.Conversation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seed
}

func (f *fakeLocal) Save(convs []model.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves = append(f.saves, convs)
	return nil
}

func (f *fakeLocal) lastSave() []model.Conversation {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.saves) == 0 {
		return nil
	}
	return f.saves[len(f.saves)-1]
}

func (f *fakeLocal) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saves)
}

type savedDoc struct {
	identityID     string
	conversationID string
	title          string
	messages       []model.Message
}

type fakeRemote struct {
	mu           sync.Mutex
	subscribeErr error
	saveErr      error
	saved        []savedDoc
	deleted      []string
	bulkDeleted  [][]string
	onUpdate     func([]model.Conversation)
	onError      func(error)
	unsubscribed bool
}

func (f *fakeRemote) Subscribe(ctx context.Context, identityID string, onUpdate func([]model.Conversation), onError func(error)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	f.onUpdate = onUpdate
	f.onError = onError
	return func() {
		f.mu.Lock()
		f.unsubscribed = true
		f.mu.Unlock()
	}, nil
}

func (f *fakeRemote) Save(ctx context.Context, identityID, conversationID, title string, messages []model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, savedDoc{identityID, conversationID, title, messages})
	return nil
}

func (f *fakeRemote) Delete(ctx context.Context, identityID, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, conversationID)
	return nil
}

func (f *fakeRemote) BulkDelete(ctx context.Context, identityID string, conversationIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bulkDeleted = append(f.bulkDeleted, conversationIDs)
	return nil
}

func (f *fakeRemote) push(convs []model.Conversation) {
	f.mu.Lock()
	onUpdate := f.onUpdate
	f.mu.Unlock()
	onUpdate(convs)
}

func (f *fakeRemote) savedDocs() []savedDoc {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]savedDoc(nil), f.saved...)
}

func (f *fakeRemote) setSaveErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveErr = err
}

func conv(id, title string, lastModified time.Time, contents ...string) model.Conversation {
	msgs := make([]model.Message, len(contents))
	for i, c := range contents {
		role := model.RoleUser
		if i%2 == 1 {
			role = model.RoleAssistant
		}
		msgs[i] = model.Message{ID: id + "-m" + c, Role: role, Content: c, Timestamp: lastModified}
	}
	return model.Conversation{ID: id, Title: title, Messages: msgs, LastModified: lastModified}
}

func TestStartAnonymousServesLocalCacheOnly(t *testing.T) {
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	local := &fakeLocal{seed: []model.Conversation{conv("c1", "Neutron stars...", base, "hi")}}
	remote := &fakeRemote{}
	r := New(local, remote, logger.NewNop())

	r.Start(context.Background(), "anon-device", false)

	view := r.View()
	require.Len(t, view, 1)
	assert.Equal(t, "c1", view[0].ID)
	assert.Nil(t, remote.onUpdate, "anonymous identity must not open a remote subscription")
	assert.False(t, r.Degraded())
}

func TestRemoteSnapshotWinsAndMirrorsDown(t *testing.T) {
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	local := &fakeLocal{seed: []model.Conversation{conv("c1", "Stale title", base, "hi")}}
	remote := &fakeRemote{}
	r := New(local, remote, logger.NewNop())
	r.Start(context.Background(), "user-1", true)

	remote.push([]model.Conversation{
		conv("c1", "Fresh title", base.Add(time.Hour), "hi", "hello"),
		conv("c2", "Dark energy...", base.Add(2*time.Hour), "dark energy?"),
	})

	view := r.View()
	require.Len(t, view, 2)
	assert.Equal(t, "c2", view[0].ID, "view must be ordered newest first")
	assert.Equal(t, "Fresh title", view[1].Title, "remote copy wins over the cached one")

	mirrored := local.lastSave()
	require.Len(t, mirrored, 2)
	assert.Equal(t, "Fresh title", mirrored[1].Title)
	assert.Empty(t, remote.savedDocs(), "nothing local-only, so no migration writes")
}

func TestMigratesLocalOnlyConversationsOnce(t *testing.T) {
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	local := &fakeLocal{seed: []model.Conversation{
		conv("c1", "Neutron stars...", base, "hi"),
		conv("c2", "", base.Add(time.Hour), "untitled"),
	}}
	remote := &fakeRemote{}
	r := New(local, remote, logger.NewNop())
	r.Start(context.Background(), "user-1", true)

	remote.push(nil)

	saved := remote.savedDocs()
	require.Len(t, saved, 2)
	byID := map[string]savedDoc{}
	for _, s := range saved {
		byID[s.conversationID] = s
		assert.Equal(t, "user-1", s.identityID)
	}
	assert.Equal(t, "Neutron stars...", byID["c1"].title)
	assert.Equal(t, MigratedTitle, byID["c2"].title, "untitled conversations get the fallback title")

	// A second push must not migrate again.
	remote.push(nil)
	assert.Len(t, remote.savedDocs(), 2)
}

func TestMigrationFailureAllowsRetry(t *testing.T) {
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	local := &fakeLocal{seed: []model.Conversation{conv("c1", "Neutron stars...", base, "hi")}}
	remote := &fakeRemote{}
	r := New(local, remote, logger.NewNop())
	r.Start(context.Background(), "user-1", true)

	remote.setSaveErr(errors.New("kv unavailable"))
	remote.push(nil)
	assert.Empty(t, remote.savedDocs())

	remote.setSaveErr(nil)
	remote.push(nil)

	saved := remote.savedDocs()
	require.Len(t, saved, 1)
	assert.Equal(t, "c1", saved[0].conversationID)
}

func TestSubscribeFailureKeepsLocalViewDegraded(t *testing.T) {
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	local := &fakeLocal{seed: []model.Conversation{conv("c1", "Neutron stars...", base, "hi")}}
	remote := &fakeRemote{subscribeErr: errors.New("no servers available")}
	r := New(local, remote, logger.NewNop())

	r.Start(context.Background(), "user-1", true)

	require.Len(t, r.View(), 1)
	assert.True(t, r.Degraded())
}

func TestSubscriptionErrorEntersDegradedModeAndRecovers(t *testing.T) {
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	local := &fakeLocal{}
	remote := &fakeRemote{}
	r := New(local, remote, logger.NewNop())
	r.Start(context.Background(), "user-1", true)

	remote.onError(errors.New("watch closed unexpectedly"))
	assert.True(t, r.Degraded())

	remote.push([]model.Conversation{conv("c1", "Back online", base, "hi")})
	assert.False(t, r.Degraded(), "a successful push clears degraded mode")
	require.Len(t, r.View(), 1)
}

func TestSaveConversationDebouncesRemoteWrites(t *testing.T) {
	local := &fakeLocal{}
	remote := &fakeRemote{}
	r := New(local, remote, logger.NewNop(), WithDebounce(25*time.Millisecond))
	r.Start(context.Background(), "user-1", true)

	c := conv("c1", "Neutron stars...", time.Time{}, "hi")
	for _, content := range []string{"The", "The void", "The void is silent."} {
		c.Messages = []model.Message{{ID: "m1", Role: model.RoleAssistant, Content: content}}
		r.SaveConversation(c)
	}

	// Local mirror is synchronous on every save; remote coalesces.
	assert.Equal(t, 3, local.saveCount())
	assert.Empty(t, remote.savedDocs())

	require.Eventually(t, func() bool {
		return len(remote.savedDocs()) == 1
	}, time.Second, 5*time.Millisecond)

	saved := remote.savedDocs()[0]
	require.Len(t, saved.messages, 1)
	assert.Equal(t, "The void is silent.", saved.messages[0].Content)
}

func TestFlushSendsPendingWriteImmediately(t *testing.T) {
	local := &fakeLocal{}
	remote := &fakeRemote{}
	r := New(local, remote, logger.NewNop(), WithDebounce(time.Hour))
	r.Start(context.Background(), "user-1", true)

	r.SaveConversation(conv("c1", "Neutron stars...", time.Time{}, "hi"))
	assert.Empty(t, remote.savedDocs())

	r.Flush()
	require.Len(t, remote.savedDocs(), 1)

	// Flushing again with nothing pending is a no-op.
	r.Flush()
	assert.Len(t, remote.savedDocs(), 1)
}

func TestDeleteCancelsPendingWrite(t *testing.T) {
	local := &fakeLocal{}
	remote := &fakeRemote{}
	r := New(local, remote, logger.NewNop(), WithDebounce(25*time.Millisecond))
	r.Start(context.Background(), "user-1", true)

	r.SaveConversation(conv("c1", "Neutron stars...", time.Time{}, "hi"))
	r.Delete(context.Background(), "c1")

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, remote.savedDocs(), "a deleted conversation must not be resurrected by a late write")
	assert.Equal(t, []string{"c1"}, remote.deleted)
	assert.Empty(t, r.View())
	assert.Empty(t, local.lastSave())
}

func TestActiveConversationSurvivesRemotePush(t *testing.T) {
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	local := &fakeLocal{}
	remote := &fakeRemote{}
	r := New(local, remote, logger.NewNop(), WithDebounce(time.Hour))
	r.Start(context.Background(), "user-1", true)

	r.SetActive("c1")
	r.SaveConversation(conv("c1", "Neutron stars...", time.Time{}, "hi", "The void is silent."))

	// A stale remote copy arrives mid-conversation.
	remote.push([]model.Conversation{conv("c1", "Neutron stars...", base, "hi")})

	view := r.View()
	require.Len(t, view, 1)
	require.Len(t, view[0].Messages, 2, "remote push must not revert the active conversation")

	// A non-active conversation would be reverted as usual.
	r.SetActive("")
	remote.push([]model.Conversation{conv("c1", "Neutron stars...", base, "hi")})
	require.Len(t, r.View()[0].Messages, 1)
}

func TestClearTodayRemovesCurrentCalendarDayOnly(t *testing.T) {
	now := time.Date(2026, 3, 14, 23, 30, 0, 0, time.Local)
	local := &fakeLocal{seed: []model.Conversation{
		conv("today-1", "Neutron stars...", now.Add(-time.Hour), "hi"),
		conv("today-2", "Dark energy...", now.Add(-23*time.Hour), "hey"),
		conv("yesterday", "Old pulsars...", now.Add(-24*time.Hour), "old"),
	}}
	remote := &fakeRemote{}
	r := New(local, remote, logger.NewNop(), WithClock(func() time.Time { return now }))
	r.Start(context.Background(), "user-1", true)

	ids := r.ClearToday(context.Background())
	assert.ElementsMatch(t, []string{"today-1", "today-2"}, ids)

	view := r.View()
	require.Len(t, view, 1)
	assert.Equal(t, "yesterday", view[0].ID)

	require.Len(t, remote.bulkDeleted, 1)
	assert.ElementsMatch(t, []string{"today-1", "today-2"}, remote.bulkDeleted[0])

	// Nothing left for today; a second clear is a no-op.
	assert.Empty(t, r.ClearToday(context.Background()))
}

func TestStopFlushesAndUnsubscribes(t *testing.T) {
	local := &fakeLocal{}
	remote := &fakeRemote{}
	r := New(local, remote, logger.NewNop(), WithDebounce(time.Hour))
	r.Start(context.Background(), "user-1", true)

	r.SaveConversation(conv("c1", "Neutron stars...", time.Time{}, "hi"))
	r.Stop()

	assert.Len(t, remote.savedDocs(), 1, "pending write flushes on stop")
	remote.mu.Lock()
	defer remote.mu.Unlock()
	assert.True(t, remote.unsubscribed)
}
