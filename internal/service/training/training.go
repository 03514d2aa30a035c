// Package training owns the training-session lifecycle.
//
// State machine: none → active → ended. Only an explicit owner start opens a
// window; only an explicit stop or invalidation closes one. At most one
// active session exists per (tenant, twin, owner), enforced by a partial
// unique index. Everything else in the pipeline consults sessions read-only.
package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ashita-ai/kagami/internal/model"
	"github.com/ashita-ai/kagami/internal/service/resolve"
	"github.com/ashita-ai/kagami/internal/storage"
)

// Manager is the sole mutator of training sessions.
type Manager struct {
	db     *storage.DB
	logger *slog.Logger
}

// New creates a Manager.
func New(db *storage.DB, logger *slog.Logger) *Manager {
	return &Manager{db: db, logger: logger}
}

// Start opens a training window for (twin, owner). Starting while a session
// is already active is idempotent: the existing session is returned, no
// duplicate is created.
func (m *Manager) Start(ctx context.Context, tenantID, twinID, ownerID uuid.UUID) (model.TrainingSession, error) {
	session, err := m.db.StartTrainingSession(ctx, tenantID, twinID, ownerID)
	if errors.Is(err, storage.ErrTrainingSessionActive) {
		existing, getErr := m.db.GetActiveTrainingSession(ctx, tenantID, twinID, ownerID)
		if getErr != nil {
			// The active session ended between our insert and re-read; one
			// retry resolves the race either way.
			if errors.Is(getErr, storage.ErrNotFound) {
				return m.db.StartTrainingSession(ctx, tenantID, twinID, ownerID)
			}
			return model.TrainingSession{}, fmt.Errorf("training: adopt active session: %w", getErr)
		}
		return existing, nil
	}
	if err != nil {
		return model.TrainingSession{}, err
	}

	m.logger.Info("training: session started",
		"session_id", session.ID, "twin_id", twinID, "owner_id", ownerID)
	return session, nil
}

// Stop closes the active window for (twin, owner). Stopping when no window
// is open is not an error; the zero session and false are returned.
func (m *Manager) Stop(ctx context.Context, tenantID, twinID, ownerID uuid.UUID) (model.TrainingSession, bool, error) {
	active, err := m.db.GetActiveTrainingSession(ctx, tenantID, twinID, ownerID)
	if errors.Is(err, storage.ErrNotFound) {
		return model.TrainingSession{}, false, nil
	}
	if err != nil {
		return model.TrainingSession{}, false, fmt.Errorf("training: find active session: %w", err)
	}

	ended, err := m.db.EndTrainingSession(ctx, tenantID, active.ID)
	if errors.Is(err, storage.ErrNotFound) {
		// Lost a concurrent stop; the session is ended either way.
		return active, false, nil
	}
	if err != nil {
		return model.TrainingSession{}, false, err
	}

	m.logger.Info("training: session ended",
		"session_id", ended.ID, "twin_id", twinID, "owner_id", ownerID)
	return ended, true, nil
}

// Invalidate force-ends a session outside the owner's explicit stop, e.g. on
// auth expiry. Ending an already-ended session is a no-op.
func (m *Manager) Invalidate(ctx context.Context, tenantID, sessionID uuid.UUID, reason string) error {
	ended, err := m.db.EndTrainingSession(ctx, tenantID, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	m.logger.Info("training: session invalidated",
		"session_id", ended.ID, "reason", reason)
	return nil
}

// Reconcile re-checks an owner_training resolution against current session
// state just before the turn commits to it. If the session ended since
// resolution (expiry, concurrent stop), the turn downgrades to owner_chat
// rather than failing; training writes for that turn are then disallowed.
func (m *Manager) Reconcile(ctx context.Context, res resolve.Resolution) (resolve.Resolution, error) {
	if res.Context != model.ContextOwnerTraining {
		return res, nil
	}
	if res.TrainingSession == nil {
		// owner_training without a session reference cannot gate writes.
		res.Context = model.ContextOwnerChat
		return res, nil
	}

	current, err := m.db.GetTrainingSession(ctx, res.TenantID, res.TrainingSession.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return resolve.Resolution{}, fmt.Errorf("training: reconcile session: %w", err)
	}
	if err == nil && current.Active() {
		return res, nil
	}

	m.logger.Info("training: session ended since resolution, downgrading turn",
		"session_id", res.TrainingSession.ID, "twin_id", res.TwinID)
	res.Context = model.ContextOwnerChat
	res.TrainingSession = nil
	return res, nil
}
