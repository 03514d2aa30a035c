package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kagami/internal/model"
)

// GetTrainingMemory retrieves a memory by ID scoped to a tenant.
func (db *DB) GetTrainingMemory(ctx context.Context, tenantID, id uuid.UUID) (model.TrainingMemory, error) {
	var m model.TrainingMemory
	err := db.pool.QueryRow(ctx,
		`SELECT id, tenant_id, twin_id, training_session_id, conversation_id, content, created_at
		 FROM training_memories WHERE tenant_id = $1 AND id = $2`,
		tenantID, id,
	).Scan(&m.ID, &m.TenantID, &m.TwinID, &m.TrainingSessionID, &m.ConversationID, &m.Content, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.TrainingMemory{}, ErrNotFound
		}
		return model.TrainingMemory{}, fmt.Errorf("storage: get training memory: %w", err)
	}
	return m, nil
}

// ListTrainingMemories returns memories written during a session, oldest first.
func (db *DB) ListTrainingMemories(ctx context.Context, tenantID, sessionID uuid.UUID, limit, offset int) ([]model.TrainingMemory, error) {
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
		`SELECT id, tenant_id, twin_id, training_session_id, conversation_id, content, created_at
		 FROM training_memories
		 WHERE tenant_id = $1 AND training_session_id = $2
		 ORDER BY created_at ASC LIMIT $3 OFFSET $4`,
		tenantID, sessionID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list training memories: %w", err)
	}
	defer rows.Close()

	var memories []model.TrainingMemory
	for rows.Next() {
		var m model.TrainingMemory
		if err := rows.Scan(&m.ID, &m.TenantID, &m.TwinID, &m.TrainingSessionID, &m.ConversationID, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan training memory: %w", err)
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

// CountTrainingMemories returns the number of memories a twin has accumulated.
func (db *DB) CountTrainingMemories(ctx context.Context, tenantID, twinID uuid.UUID) (int, error) {
	var count int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM training_memories WHERE tenant_id = $1 AND twin_id = $2`,
		tenantID, twinID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("storage: count training memories: %w", err)
	}
	return count, nil
}
