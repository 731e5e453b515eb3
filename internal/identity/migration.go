package identity

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/lunar-ai/lunar/internal/history"
	"github.com/lunar-ai/lunar/internal/model"
	"github.com/lunar-ai/lunar/pkg/logger"
	"github.com/lunar-ai/lunar/pkg/metrics"
)

// HistoryStore is the slice of the remote store migration needs.
type HistoryStore interface {
	LoadAllOnce(ctx context.Context, identityID string) ([]model.Conversation, error)
	Save(ctx context.Context, identityID, conversationID, title string, messages []model.Message) error
}

// Migrator coordinates the anonymous-to-authenticated upgrade. When the
// credential already belongs to an account, the anonymous identity's
// conversations are copied to it without overwriting anything the account
// already has.
type Migrator struct {
	provider Provider
	store    HistoryStore
	logger   *logger.Logger

	mu      sync.Mutex
	signing bool
}

// NewMigrator creates a migrator. store may be nil, which skips history
// migration.
func NewMigrator(provider Provider, store HistoryStore, log *logger.Logger) *Migrator {
	return &Migrator{provider: provider, store: store, logger: log}
}

// SignIn upgrades the current identity. Outcomes:
//   - in-place link succeeds: the identity id is preserved and no
//     migration is needed;
//   - the credential is already in use: sign into that account (replaying
//     the credential, interactive as fallback) and copy the anonymous
//     identity's conversations across, skipping ids the account already
//     has;
//   - the user cancels at any point: the anonymous identity is returned
//     unchanged.
//
// A concurrent SignIn fails fast with ErrSignInInProgress. Migration
// failures never fail the sign-in; they are logged and counted.
func (m *Migrator) SignIn(ctx context.Context) (Identity, error) {
	m.mu.Lock()
	if m.signing {
		m.mu.Unlock()
		return Identity{}, ErrSignInInProgress
	}
	m.signing = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.signing = false
		m.mu.Unlock()
	}()

	anon := m.provider.Current()

	ident, err := m.provider.LinkCredential(ctx)
	switch {
	case err == nil:
		return ident, nil
	case isCancelled(err):
		return anon, nil
	case !isCredentialInUse(err):
		return Identity{}, err
	}

	// The credential's account exists; the anonymous id is about to be
	// abandoned, so capture it before switching.
	oldID := anon.ID

	ident, err = m.provider.SignInWithCredential(ctx)
	if err != nil {
		m.logger.Warn("credential sign-in failed, falling back to interactive", zap.Error(err))
		ident, err = m.provider.SignInInteractive(ctx)
		if isCancelled(err) {
			return anon, nil
		}
		if err != nil {
			return Identity{}, err
		}
	}

	if oldID != "" && oldID != ident.ID {
		m.migrate(ctx, oldID, ident.ID)
	}
	return ident, nil
}

// SignOut signs out and reports the fresh anonymous identity.
func (m *Migrator) SignOut(ctx context.Context) (Identity, error) {
	if err := m.provider.SignOut(ctx); err != nil {
		return Identity{}, err
	}
	return m.provider.Current(), nil
}

// migrate copies fromID's conversations to toID, skipping ids toID already
// has. Best effort: each failure is logged and the rest proceed.
func (m *Migrator) migrate(ctx context.Context, fromID, toID string) {
	if m.store == nil {
		return
	}

	source, err := m.store.LoadAllOnce(ctx, fromID)
	if err != nil {
		m.logger.Warn("failed to read conversations for identity migration",
			zap.String("from", fromID), zap.Error(err))
		metrics.MigrationsTotal.WithLabelValues("identity", "error").Inc()
		return
	}
	if len(source) == 0 {
		return
	}

	existing, err := m.store.LoadAllOnce(ctx, toID)
	if err != nil {
		m.logger.Warn("failed to read target conversations for identity migration",
			zap.String("to", toID), zap.Error(err))
		metrics.MigrationsTotal.WithLabelValues("identity", "error").Inc()
		return
	}
	have := make(map[string]bool, len(existing))
	for _, c := range existing {
		have[c.ID] = true
	}

	migrated := 0
	for _, c := range source {
		if have[c.ID] {
			continue
		}
		title := c.Title
		if title == "" {
			title = history.MigratedTitle
		}
		if err := m.store.Save(ctx, toID, c.ID, title, c.Messages); err != nil {
			m.logger.Warn("failed to migrate conversation",
				zap.String("conversation_id", c.ID), zap.Error(err))
			metrics.MigrationsTotal.WithLabelValues("identity", "error").Inc()
			continue
		}
		migrated++
		metrics.MigrationsTotal.WithLabelValues("identity", "success").Inc()
	}

	m.logger.Info("migrated conversations to authenticated identity",
		zap.String("from", fromID), zap.String("to", toID), zap.Int("count", migrated))
}

func isCancelled(err error) bool {
	return errors.Is(err, ErrSignInCancelled)
}

func isCredentialInUse(err error) bool {
	return errors.Is(err, ErrCredentialInUse)
}
