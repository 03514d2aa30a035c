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

// CreateConversation inserts a new conversation pinned to a single
// interaction context.
func (db *DB) CreateConversation(ctx context.Context, conv model.Conversation) (model.Conversation, error) {
	if conv.ID == uuid.Nil {
		conv.ID = uuid.New()
	}
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now

	_, err := db.pool.Exec(ctx,
		`INSERT INTO conversations (id, tenant_id, twin_id, interaction_context, origin_endpoint,
		 share_link_id, training_session_id, previous_conversation_id, client_session_key,
		 last_seq, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		conv.ID, conv.TenantID, conv.TwinID, string(conv.InteractionContext), string(conv.OriginEndpoint),
		conv.ShareLinkID, conv.TrainingSessionID, conv.PreviousConversationID, conv.ClientSessionKey,
		conv.LastSeq, conv.CreatedAt, conv.UpdatedAt,
	)
	if err != nil {
		return model.Conversation{}, fmt.Errorf("storage: create conversation: %w", err)
	}
	return conv, nil
}

const conversationColumns = `id, tenant_id, twin_id, interaction_context, origin_endpoint,
	 share_link_id, training_session_id, previous_conversation_id, client_session_key,
	 last_seq, created_at, updated_at`

func scanConversation(row pgx.Row) (model.Conversation, error) {
	var c model.Conversation
	var ic, origin string
	err := row.Scan(
		&c.ID, &c.TenantID, &c.TwinID, &ic, &origin,
		&c.ShareLinkID, &c.TrainingSessionID, &c.PreviousConversationID, &c.ClientSessionKey,
		&c.LastSeq, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return model.Conversation{}, err
	}
	parsed, err := model.ParseInteractionContext(ic)
	if err != nil {
		return model.Conversation{}, err
	}
	c.InteractionContext = parsed
	c.OriginEndpoint = model.OriginEndpoint(origin)
	return c, nil
}

// GetConversation retrieves a conversation by ID scoped to a tenant and twin.
func (db *DB) GetConversation(ctx context.Context, tenantID, twinID, id uuid.UUID) (model.Conversation, error) {
	conv, err := scanConversation(db.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+`
		 FROM conversations WHERE tenant_id = $1 AND twin_id = $2 AND id = $3`,
		tenantID, twinID, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Conversation{}, fmt.Errorf("storage: conversation %s: %w", id, ErrNotFound)
		}
		return model.Conversation{}, fmt.Errorf("storage: get conversation: %w", err)
	}
	return conv, nil
}

// GetResetSuccessor returns the conversation that superseded the given stale
// conversation id, if one exists.
func (db *DB) GetResetSuccessor(ctx context.Context, tenantID, twinID, staleID uuid.UUID) (model.Conversation, error) {
	conv, err := scanConversation(db.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+`
		 FROM conversations
		 WHERE tenant_id = $1 AND twin_id = $2 AND previous_conversation_id = $3`,
		tenantID, twinID, staleID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Conversation{}, ErrNotFound
		}
		return model.Conversation{}, fmt.Errorf("storage: get reset successor: %w", err)
	}
	return conv, nil
}

// ResetConversation creates a forced-reset successor for a stale conversation.
//
// The partial unique index on (tenant_id, twin_id, previous_conversation_id)
// serializes concurrent resets of the same stale id: exactly one insert wins.
// The loser observes a unique violation, re-reads the winner, and adopts it.
// The returned bool is true when this call created the successor, false when
// it adopted a concurrent winner.
func (db *DB) ResetConversation(ctx context.Context, conv model.Conversation) (model.Conversation, bool, error) {
	if conv.PreviousConversationID == nil {
		return model.Conversation{}, false, fmt.Errorf("storage: reset conversation: previous conversation id required")
	}

	created, err := db.CreateConversation(ctx, conv)
	if err == nil {
		return created, true, nil
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return model.Conversation{}, false, err
	}

	winner, err := db.GetResetSuccessor(ctx, conv.TenantID, conv.TwinID, *conv.PreviousConversationID)
	if err != nil {
		return model.Conversation{}, false, fmt.Errorf("storage: adopt reset winner: %w", err)
	}
	return winner, false, nil
}

// ListConversations returns a twin's conversations, newest first.
func (db *DB) ListConversations(ctx context.Context, tenantID, twinID uuid.UUID, limit, offset int) ([]model.Conversation, error) {
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
		`SELECT `+conversationColumns+`
		 FROM conversations WHERE tenant_id = $1 AND twin_id = $2
		 ORDER BY created_at DESC LIMIT $3 OFFSET $4`,
		tenantID, twinID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list conversations: %w", err)
	}
	defer rows.Close()

	var convs []model.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan conversation: %w", err)
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}
