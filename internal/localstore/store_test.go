package localstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/lunar-ai/lunar/internal/model"
	"github.com/lunar-ai/lunar/pkg/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "history.db"), logger.NewNop())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleConversations() []model.Conversation {
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	return []model.Conversation{
		{
			ID:    "c1",
			Title: "Neutron stars...",
			Messages: []model.Message{
				{ID: "m1", Role: model.RoleAssistant, Content: "The void is silent.", Timestamp: base},
				{ID: "m2", Role: model.RoleUser, Content: "Neutron stars?", Timestamp: base.Add(time.Minute)},
			},
			LastModified: base.Add(time.Minute),
		},
		{
			ID:           "c2",
			Title:        "Dark energy...",
			Messages:     []model.Message{{ID: "m3", Role: model.RoleUser, Content: "Dark energy", Timestamp: base}},
			LastModified: base,
		},
	}
}

func TestStoreRoundTrip(t *testing.T) {
	store := newTestStore(t)
	want := sampleConversations()

	if err := store.Save(want); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got := store.Load()
	if len(got) != len(want) {
		t.Fatalf("expected %d conversations, got %d", len(want), len(got))
	}
	if got[0].ID != "c1" || got[0].Title != "Neutron stars..." {
		t.Fatalf("unexpected first conversation: %+v", got[0])
	}
	if len(got[0].Messages) != 2 || got[0].Messages[1].Content != "Neutron stars?" {
		t.Fatalf("unexpected messages: %+v", got[0].Messages)
	}
	if !got[0].LastModified.Equal(want[0].LastModified) {
		t.Fatalf("lastModified mismatch: want %v, got %v", want[0].LastModified, got[0].LastModified)
	}
}

func TestStoreSaveOverwritesSnapshot(t *testing.T) {
	store := newTestStore(t)

	if err := store.Save(sampleConversations()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Save(sampleConversations()[:1]); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}

	if got := store.Load(); len(got) != 1 {
		t.Fatalf("expected snapshot overwrite to 1 conversation, got %d", len(got))
	}
}

func TestStoreLoadEmptyWhenAbsent(t *testing.T) {
	store := newTestStore(t)
	if got := store.Load(); len(got) != 0 {
		t.Fatalf("expected empty load, got %d conversations", len(got))
	}
}

func TestStoreLoadEmptyOnCorruptSnapshot(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.db.Exec(
		`INSERT INTO snapshots (key, payload, updated_at) VALUES (?, ?, 0)`,
		snapshotKey, []byte("{not json"),
	); err != nil {
		t.Fatalf("failed to plant corrupt snapshot: %v", err)
	}

	if got := store.Load(); got != nil {
		t.Fatalf("expected nil on corrupt snapshot, got %+v", got)
	}
}

func TestDeviceIdentityStable(t *testing.T) {
	store := newTestStore(t)

	first, err := store.DeviceIdentity()
	if err != nil {
		t.Fatalf("DeviceIdentity failed: %v", err)
	}
	if first == "" {
		t.Fatalf("expected a generated identity id")
	}

	second, err := store.DeviceIdentity()
	if err != nil {
		t.Fatalf("second DeviceIdentity failed: %v", err)
	}
	if second != first {
		t.Fatalf("device identity not stable: %q vs %q", first, second)
	}
}
