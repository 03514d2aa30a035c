package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/kagami/internal/model"
)

// StartTrainingSession creates an active training session for (twin, owner).
//
// The partial unique index on (tenant_id, twin_id, owner_id) WHERE
// status='active' guarantees at most one active session; a concurrent or
// duplicate start surfaces as ErrTrainingSessionActive.
func (db *DB) StartTrainingSession(ctx context.Context, tenantID, twinID, ownerID uuid.UUID) (model.TrainingSession, error) {
	s := model.TrainingSession{
		ID:        uuid.New(),
		TenantID:  tenantID,
		TwinID:    twinID,
		OwnerID:   ownerID,
		Status:    model.TrainingActive,
		StartedAt: time.Now().UTC(),
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO training_sessions (id, tenant_id, twin_id, owner_id, status, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		s.ID, s.TenantID, s.TwinID, s.OwnerID, string(s.Status), s.StartedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return model.TrainingSession{}, ErrTrainingSessionActive
		}
		return model.TrainingSession{}, fmt.Errorf("storage: start training session: %w", err)
	}
	return s, nil
}

// EndTrainingSession transitions an active session to ended. The transition
// is a compare-and-set on status, so concurrent stops are harmless: exactly
// one caller performs the transition, the rest observe ErrNotFound.
func (db *DB) EndTrainingSession(ctx context.Context, tenantID, id uuid.UUID) (model.TrainingSession, error) {
	var s model.TrainingSession
	var status string
	err := db.pool.QueryRow(ctx,
		`UPDATE training_sessions SET status = 'ended', ended_at = now()
		 WHERE tenant_id = $1 AND id = $2 AND status = 'active'
		 RETURNING id, tenant_id, twin_id, owner_id, status, started_at, ended_at`,
		tenantID, id,
	).Scan(&s.ID, &s.TenantID, &s.TwinID, &s.OwnerID, &status, &s.StartedAt, &s.EndedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.TrainingSession{}, fmt.Errorf("storage: training session %s: %w", id, ErrNotFound)
		}
		return model.TrainingSession{}, fmt.Errorf("storage: end training session: %w", err)
	}
	s.Status = model.TrainingSessionStatus(status)
	return s, nil
}

// GetTrainingSession retrieves a session by ID scoped to a tenant.
func (db *DB) GetTrainingSession(ctx context.Context, tenantID, id uuid.UUID) (model.TrainingSession, error) {
	var s model.TrainingSession
	var status string
	err := db.pool.QueryRow(ctx,
		`SELECT id, tenant_id, twin_id, owner_id, status, started_at, ended_at
		 FROM training_sessions WHERE tenant_id = $1 AND id = $2`,
		tenantID, id,
	).Scan(&s.ID, &s.TenantID, &s.TwinID, &s.OwnerID, &status, &s.StartedAt, &s.EndedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.TrainingSession{}, fmt.Errorf("storage: training session %s: %w", id, ErrNotFound)
		}
		return model.TrainingSession{}, fmt.Errorf("storage: get training session: %w", err)
	}
	s.Status = model.TrainingSessionStatus(status)
	return s, nil
}

// GetActiveTrainingSession returns the single active session for (twin, owner),
// or ErrNotFound when none exists. This is the Context Resolver's lookup: an
// owner request hitting the chat endpoint resolves to owner_training exactly
// when this query finds a row.
func (db *DB) GetActiveTrainingSession(ctx context.Context, tenantID, twinID, ownerID uuid.UUID) (model.TrainingSession, error) {
	var s model.TrainingSession
	var status string
	err := db.pool.QueryRow(ctx,
		`SELECT id, tenant_id, twin_id, owner_id, status, started_at, ended_at
		 FROM training_sessions
		 WHERE tenant_id = $1 AND twin_id = $2 AND owner_id = $3 AND status = 'active'`,
		tenantID, twinID, ownerID,
	).Scan(&s.ID, &s.TenantID, &s.TwinID, &s.OwnerID, &status, &s.StartedAt, &s.EndedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.TrainingSession{}, ErrNotFound
		}
		return model.TrainingSession{}, fmt.Errorf("storage: get active training session: %w", err)
	}
	s.Status = model.TrainingSessionStatus(status)
	return s, nil
}

// ListTrainingSessions returns a twin's sessions, newest first.
func (db *DB) ListTrainingSessions(ctx context.Context, tenantID, twinID uuid.UUID, limit, offset int) ([]model.TrainingSession, error) {
	if limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, tenant_id, twin_id, owner_id, status, started_at, ended_at
		 FROM training_sessions WHERE tenant_id = $1 AND twin_id = $2
		 ORDER BY started_at DESC LIMIT $3 OFFSET $4`,
		tenantID, twinID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list training sessions: %w", err)
	}
	defer rows.Close()

	var sessions []model.TrainingSession
	for rows.Next() {
		var s model.TrainingSession
		var status string
		if err := rows.Scan(&s.ID, &s.TenantID, &s.TwinID, &s.OwnerID, &status, &s.StartedAt, &s.EndedAt); err != nil {
			return nil, fmt.Errorf("storage: scan training session: %w", err)
		}
		s.Status = model.TrainingSessionStatus(status)
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}
