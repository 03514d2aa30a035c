package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/kagami/internal/model"
)

// ListMessages returns a conversation's messages in sequence order.
// limit is clamped to [1, 1000] with a default of 200.
func (db *DB) ListMessages(ctx context.Context, tenantID, conversationID uuid.UUID, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, conversation_id, tenant_id, role, content, interaction_context, seq, created_at
		 FROM messages WHERE tenant_id = $1 AND conversation_id = $2
		 ORDER BY seq ASC LIMIT $3`,
		tenantID, conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		var m model.Message
		var role, ic string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.TenantID, &role, &m.Content, &ic, &m.Seq, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		m.Role = model.MessageRole(role)
		m.InteractionContext = model.InteractionContext(ic)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ListRecentMessages returns the newest n messages of a conversation in
// sequence order. Used to bound the prompt's conversation window.
func (db *DB) ListRecentMessages(ctx context.Context, tenantID, conversationID uuid.UUID, n int) ([]model.Message, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, conversation_id, tenant_id, role, content, interaction_context, seq, created_at
		 FROM (
		     SELECT id, conversation_id, tenant_id, role, content, interaction_context, seq, created_at
		     FROM messages WHERE tenant_id = $1 AND conversation_id = $2
		     ORDER BY seq DESC LIMIT $3
		 ) recent ORDER BY seq ASC`,
		tenantID, conversationID, n,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list recent messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		var m model.Message
		var role, ic string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.TenantID, &role, &m.Content, &ic, &m.Seq, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan recent message: %w", err)
		}
		m.Role = model.MessageRole(role)
		m.InteractionContext = model.InteractionContext(ic)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
