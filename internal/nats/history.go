package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/lunar-ai/lunar/internal/model"
)

const (
	// BucketName is the KV bucket holding all conversation documents.
	BucketName = "lunar_chats"

	keySeparator = "."
)

// HistoryStore is the remote history store, backed by a JetStream key-value
// bucket. Documents are keyed by "<identityID>.<conversationID>" and ordered
// by lastModified descending on every read.
type HistoryStore struct {
	client *Client
	kv     jetstream.KeyValue
	now    func() time.Time
}

// NewHistoryStore creates (or binds to) the conversations bucket.
func NewHistoryStore(ctx context.Context, client *Client) (*HistoryStore, error) {
	kv, err := client.JetStream().CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      BucketName,
		Description: "Per-identity conversation documents",
	})
	if errors.Is(err, jetstream.ErrBucketExists) {
		kv, err = client.JetStream().KeyValue(ctx, BucketName)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open conversations bucket: %w", err)
	}

	return &HistoryStore{
		client: client,
		kv:     kv,
		now:    time.Now,
	}, nil
}

func docKey(identityID, conversationID string) string {
	return identityID + keySeparator + conversationID
}

// Save upserts a conversation document. The stored creation timestamp is
// preserved on update and lastModified is always stamped fresh.
func (s *HistoryStore) Save(ctx context.Context, identityID, conversationID, title string, messages []model.Message) error {
	now := s.now()

	doc := model.Conversation{
		ID:       conversationID,
		Title:    title,
		Messages: messages,
	}.ToDocument()
	doc.Timestamp = now.UnixMilli()
	doc.LastModified = now.UnixMilli()

	key := docKey(identityID, conversationID)
	if entry, err := s.kv.Get(ctx, key); err == nil {
		var existing model.ChatDocument
		if err := json.Unmarshal(entry.Value(), &existing); err == nil && existing.Timestamp != 0 {
			doc.Timestamp = existing.Timestamp
		}
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}
	if _, err := s.kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}
	return nil
}

// Delete removes a conversation document. Deleting an id that does not
// exist is not an error.
func (s *HistoryStore) Delete(ctx context.Context, identityID, conversationID string) error {
	err := s.kv.Delete(ctx, docKey(identityID, conversationID))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return nil
}

// BulkDelete removes a set of conversation documents. JetStream KV has no
// multi-key batch, so deletes are issued per key (each idempotent) and the
// first failure is reported. Empty input is a no-op.
func (s *HistoryStore) BulkDelete(ctx context.Context, identityID string, conversationIDs []string) error {
	for _, id := range conversationIDs {
		if err := s.Delete(ctx, identityID, id); err != nil {
			return err
		}
	}
	return nil
}

// LoadAllOnce returns a point-in-time read of all of an identity's
// conversations, newest first.
func (s *HistoryStore) LoadAllOnce(ctx context.Context, identityID string) ([]model.Conversation, error) {
	keys, err := s.kv.Keys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	prefix := identityID + keySeparator
	var convs []model.Conversation
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				continue
			}
			return nil, fmt.Errorf("failed to read conversation %s: %w", key, err)
		}
		var doc model.ChatDocument
		if err := json.Unmarshal(entry.Value(), &doc); err != nil {
			s.client.logger.Warn("skipping malformed conversation document", zap.String("key", key), zap.Error(err))
			continue
		}
		convs = append(convs, model.ConversationFromDocument(strings.TrimPrefix(key, prefix), doc))
	}

	model.SortByLastModified(convs)
	return convs, nil
}

// Subscribe watches an identity's conversations and invokes onUpdate with
// the full ordered snapshot on every remote change, starting with one push
// after the initial replay. onError is invoked at most once per failure
// episode; no retry is attempted internally. The returned function stops
// the subscription.
func (s *HistoryStore) Subscribe(
	ctx context.Context,
	identityID string,
	onUpdate func([]model.Conversation),
	onError func(error),
) (func(), error) {
	watchCtx, cancel := context.WithCancel(ctx)

	watcher, err := s.kv.Watch(watchCtx, identityID+keySeparator+">")
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to watch conversations: %w", err)
	}

	prefix := identityID + keySeparator
	go func() {
		defer watcher.Stop()

		snapshot := make(map[string]model.Conversation)
		initialized := false

		push := func() {
			convs := make([]model.Conversation, 0, len(snapshot))
			for _, c := range snapshot {
				convs = append(convs, c)
			}
			model.SortByLastModified(convs)
			onUpdate(convs)
		}

		for {
			select {
			case <-watchCtx.Done():
				return
			case entry, ok := <-watcher.Updates():
				if !ok {
					if watchCtx.Err() == nil && onError != nil {
						onError(errors.New("conversation watch closed unexpectedly"))
					}
					return
				}
				if entry == nil {
					// End of initial replay.
					initialized = true
					push()
					continue
				}

				id := strings.TrimPrefix(entry.Key(), prefix)
				switch entry.Operation() {
				case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
					delete(snapshot, id)
				default:
					var doc model.ChatDocument
					if err := json.Unmarshal(entry.Value(), &doc); err != nil {
						s.client.logger.Warn("skipping malformed conversation update",
							zap.String("key", entry.Key()), zap.Error(err))
						continue
					}
					snapshot[id] = model.ConversationFromDocument(id, doc)
				}

				if initialized {
					push()
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(cancel)
	}, nil
}
