package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kagami/internal/model"
)

// RegisterTool inserts or replaces a tool registration for a twin.
// (tenant_id, twin_id, name) is unique; re-registering updates the
// description and intent keywords in place.
func (db *DB) RegisterTool(ctx context.Context, tool model.ToolRegistration) (model.ToolRegistration, error) {
	if tool.ID == uuid.Nil {
		tool.ID = uuid.New()
	}
	if tool.CreatedAt.IsZero() {
		tool.CreatedAt = time.Now().UTC()
	}
	if tool.IntentKeywords == nil {
		tool.IntentKeywords = []string{}
	}

	err := db.pool.QueryRow(ctx,
		`INSERT INTO tool_registrations (id, tenant_id, twin_id, name, description, intent_keywords, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (tenant_id, twin_id, name)
		 DO UPDATE SET description = EXCLUDED.description, intent_keywords = EXCLUDED.intent_keywords
		 RETURNING id, created_at`,
		tool.ID, tool.TenantID, tool.TwinID, tool.Name, tool.Description, tool.IntentKeywords, tool.CreatedAt,
	).Scan(&tool.ID, &tool.CreatedAt)
	if err != nil {
		return model.ToolRegistration{}, fmt.Errorf("storage: register tool: %w", err)
	}
	return tool, nil
}

// ListTools returns a twin's tool registrations in name order.
func (db *DB) ListTools(ctx context.Context, tenantID, twinID uuid.UUID) ([]model.ToolRegistration, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, tenant_id, twin_id, name, description, intent_keywords, created_at
		 FROM tool_registrations WHERE tenant_id = $1 AND twin_id = $2 ORDER BY name ASC`,
		tenantID, twinID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list tools: %w", err)
	}
	defer rows.Close()

	var tools []model.ToolRegistration
	for rows.Next() {
		var t model.ToolRegistration
		if err := rows.Scan(&t.ID, &t.TenantID, &t.TwinID, &t.Name, &t.Description, &t.IntentKeywords, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan tool: %w", err)
		}
		tools = append(tools, t)
	}
	return tools, rows.Err()
}

// UnregisterTool removes a tool registration by name.
func (db *DB) UnregisterTool(ctx context.Context, tenantID, twinID uuid.UUID, name string) error {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM tool_registrations WHERE tenant_id = $1 AND twin_id = $2 AND name = $3`,
		tenantID, twinID, name,
	)
	if err != nil {
		return fmt.Errorf("storage: unregister tool: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: tool %s: %w", name, ErrNotFound)
	}
	return nil
}
