package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kagami/internal/model"
)

// InsertResponseTraces batch-inserts audit traces via COPY. Called by the
// trace buffer's flush loop, never directly from request handlers.
func (db *DB) InsertResponseTraces(ctx context.Context, traces []model.ResponseTrace) error {
	if len(traces) == 0 {
		return nil
	}

	columns := []string{
		"id", "tenant_id", "twin_id", "interaction_context", "origin_endpoint",
		"share_link_id", "training_session_id", "forced_new_conversation",
		"context_reset_reason", "previous_conversation_id", "effective_conversation_id",
		"user_message_id", "assistant_message_id", "retrieval_tier", "confidence",
		"decision", "deterministic_verdict", "policy_verdict", "voice_verdict",
		"rewrite_applied", "final_state", "training_write_allowed",
		"client_mode_declared", "content_hash", "created_at",
	}
	rows := make([][]any, len(traces))
	for i, t := range traces {
		id := t.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		createdAt := t.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		var resetReason *string
		if t.ContextResetReason != nil {
			s := string(*t.ContextResetReason)
			resetReason = &s
		}
		rows[i] = []any{
			id, t.TenantID, t.TwinID, string(t.InteractionContext), string(t.OriginEndpoint),
			t.ShareLinkID, t.TrainingSessionID, t.ForcedNewConversation,
			resetReason, t.PreviousConversationID, t.EffectiveConversationID,
			t.UserMessageID, t.AssistantMessageID, string(t.Tier), t.Confidence,
			string(t.Decision), string(t.DeterministicVerdict), string(t.PolicyVerdict), string(t.VoiceVerdict),
			t.RewriteApplied, string(t.FinalState), t.TrainingWriteAllowed,
			t.ClientModeDeclared, t.ContentHash, createdAt,
		}
	}

	if _, err := db.pool.CopyFrom(ctx, pgx.Identifier{"response_traces"}, columns, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("storage: copy response traces: %w", err)
	}
	return nil
}

// ListTraceContentHashes returns the content hashes of every trace in a
// conversation, oldest first. Input to the conversation audit root.
func (db *DB) ListTraceContentHashes(ctx context.Context, tenantID, conversationID uuid.UUID) ([]string, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT content_hash FROM response_traces
		 WHERE tenant_id = $1 AND effective_conversation_id = $2
		 ORDER BY created_at, id`,
		tenantID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("storage: query trace content hashes: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("storage: scan content hash: %w", err)
		}
		hashes = append(hashes, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate content hashes: %w", err)
	}
	return hashes, nil
}

// ExistingTraceIDs returns the subset of ids already present in
// response_traces. Used by WAL recovery to skip records whose flush
// succeeded before the crash but whose checkpoint did not.
func (db *DB) ExistingTraceIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]bool, error) {
	if len(ids) == 0 {
		return map[uuid.UUID]bool{}, nil
	}
	rows, err := db.pool.Query(ctx, `SELECT id FROM response_traces WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("storage: query existing trace ids: %w", err)
	}
	defer rows.Close()

	existing := make(map[uuid.UUID]bool)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan trace id: %w", err)
		}
		existing[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate trace ids: %w", err)
	}
	return existing, nil
}

const traceColumns = `id, tenant_id, twin_id, interaction_context, origin_endpoint,
	 share_link_id, training_session_id, forced_new_conversation,
	 context_reset_reason, previous_conversation_id, effective_conversation_id,
	 user_message_id, assistant_message_id, retrieval_tier, confidence,
	 decision, deterministic_verdict, policy_verdict, voice_verdict,
	 rewrite_applied, final_state, training_write_allowed,
	 client_mode_declared, content_hash, created_at`

func scanResponseTrace(row pgx.Row) (model.ResponseTrace, error) {
	var t model.ResponseTrace
	var ic, origin, tier, decision, dv, pv, vv, state string
	var resetReason *string
	err := row.Scan(
		&t.ID, &t.TenantID, &t.TwinID, &ic, &origin,
		&t.ShareLinkID, &t.TrainingSessionID, &t.ForcedNewConversation,
		&resetReason, &t.PreviousConversationID, &t.EffectiveConversationID,
		&t.UserMessageID, &t.AssistantMessageID, &tier, &t.Confidence,
		&decision, &dv, &pv, &vv,
		&t.RewriteApplied, &state, &t.TrainingWriteAllowed,
		&t.ClientModeDeclared, &t.ContentHash, &t.CreatedAt,
	)
	if err != nil {
		return model.ResponseTrace{}, err
	}
	t.InteractionContext = model.InteractionContext(ic)
	t.OriginEndpoint = model.OriginEndpoint(origin)
	t.Tier = model.Tier(tier)
	t.Decision = model.RetrievalDecision(decision)
	t.DeterministicVerdict = model.JudgeVerdict(dv)
	t.PolicyVerdict = model.JudgeVerdict(pv)
	t.VoiceVerdict = model.JudgeVerdict(vv)
	t.FinalState = model.TurnState(state)
	if resetReason != nil {
		r := model.ContextResetReason(*resetReason)
		t.ContextResetReason = &r
	}
	return t, nil
}

// GetResponseTrace retrieves a single trace by ID scoped to a tenant.
func (db *DB) GetResponseTrace(ctx context.Context, tenantID, id uuid.UUID) (model.ResponseTrace, error) {
	t, err := scanResponseTrace(db.pool.QueryRow(ctx,
		`SELECT `+traceColumns+` FROM response_traces WHERE tenant_id = $1 AND id = $2`,
		tenantID, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ResponseTrace{}, fmt.Errorf("storage: response trace %s: %w", id, ErrNotFound)
		}
		return model.ResponseTrace{}, fmt.Errorf("storage: get response trace: %w", err)
	}
	return t, nil
}

// ListResponseTraces returns a conversation's traces in turn order.
func (db *DB) ListResponseTraces(ctx context.Context, tenantID, conversationID uuid.UUID, limit, offset int) ([]model.ResponseTrace, error) {
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
		`SELECT `+traceColumns+`
		 FROM response_traces
		 WHERE tenant_id = $1 AND effective_conversation_id = $2
		 ORDER BY created_at ASC LIMIT $3 OFFSET $4`,
		tenantID, conversationID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list response traces: %w", err)
	}
	defer rows.Close()

	var traces []model.ResponseTrace
	for rows.Next() {
		t, err := scanResponseTrace(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan response trace: %w", err)
		}
		traces = append(traces, t)
	}
	return traces, rows.Err()
}
