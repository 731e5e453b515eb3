// Package localstore is the device-local cache of conversation history,
// a single serialized snapshot in a SQLite database.
package localstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/lunar-ai/lunar/internal/model"
	"github.com/lunar-ai/lunar/pkg/logger"
	"github.com/lunar-ai/lunar/pkg/metrics"
)

// snapshotKey is the fixed key of the one device-local history snapshot.
const snapshotKey = "lunar_chat_history"

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	key        TEXT PRIMARY KEY,
	payload    BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Store is the local cache store. Load and Save never panic; failures are
// soft conditions reported through logs.
type Store struct {
	db     *sql.DB
	logger *logger.Logger
}

// Open opens (creating if needed) the cache database at path.
func Open(path string, log *logger.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize cache schema: %w", err)
	}

	return &Store{db: db, logger: log}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load returns the cached conversation snapshot. Any failure — missing
// snapshot, corrupt payload — yields an empty sequence, never an error.
func (s *Store) Load() []model.Conversation {
	var payload []byte
	err := s.db.QueryRow(`SELECT payload FROM snapshots WHERE key = ?`, snapshotKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		s.logger.Warn("failed to read local history snapshot", zap.Error(err))
		return nil
	}

	var cached []model.CachedConversation
	if err := json.Unmarshal(payload, &cached); err != nil {
		s.logger.Warn("local history snapshot is corrupt, starting empty", zap.Error(err))
		return nil
	}

	convs := make([]model.Conversation, len(cached))
	for i, cc := range cached {
		convs[i] = model.ConversationFromCached(cc)
	}
	return convs
}

// Save overwrites the snapshot with the given conversations. Failures are
// logged and returned as soft conditions; callers are expected to swallow
// them.
func (s *Store) Save(convs []model.Conversation) error {
	cached := make([]model.CachedConversation, len(convs))
	for i, c := range convs {
		cached[i] = c.ToCached()
	}

	payload, err := json.Marshal(cached)
	if err != nil {
		s.logger.Warn("failed to serialize local history snapshot", zap.Error(err))
		metrics.RecordSave("local", "error")
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO snapshots (key, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		snapshotKey, payload, time.Now().UnixMilli(),
	)
	if err != nil {
		s.logger.Warn("failed to write local history snapshot", zap.Error(err))
		metrics.RecordSave("local", "error")
		return err
	}

	metrics.RecordSave("local", "success")
	return nil
}

// DeviceIdentity returns the stable anonymous identity id for this device,
// generating and persisting one on first use.
func (s *Store) DeviceIdentity() (string, error) {
	var id string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'device_identity'`).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("failed to read device identity: %w", err)
	}

	id = uuid.New().String()
	if _, err := s.db.Exec(`INSERT INTO meta (key, value) VALUES ('device_identity', ?)`, id); err != nil {
		return "", fmt.Errorf("failed to persist device identity: %w", err)
	}
	return id, nil
}
