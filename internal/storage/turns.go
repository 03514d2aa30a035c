package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/kagami/internal/model"
)

// EscalationDraft is the escalation payload captured during a turn, persisted
// only when the turn commits.
type EscalationDraft struct {
	Question    string
	DraftAnswer *string
	Confidence  float32
}

// MemoryDraft is a training artifact captured during an owner_training turn.
type MemoryDraft struct {
	TrainingSessionID uuid.UUID
	Content           string
	Embedding         *pgvector.Vector
}

// FinalizeTurnParams holds everything a completed turn writes.
type FinalizeTurnParams struct {
	Conversation     model.Conversation
	UserContent      string
	AssistantContent string

	// Escalation is set when the retrieval decision was escalate.
	Escalation *EscalationDraft

	// Memory is set only for write-eligible turns that produced a durable
	// training artifact. The write gate lives in the guard; storage trusts it.
	Memory *MemoryDraft
}

// FinalizeTurnResult reports the rows a finalize transaction created.
type FinalizeTurnResult struct {
	UserMessage      model.Message
	AssistantMessage model.Message
	EscalationID     *uuid.UUID
	MemoryID         *uuid.UUID
}

// FinalizeTurn persists a completed turn atomically: both message halves, the
// escalation if one was raised, and any training memory plus its outbox entry.
// Sequence numbers come from the conversation's row-locked last_seq counter,
// so concurrent turns on one conversation serialize here and interleave
// cleanly. An abandoned turn (client gone, generation failed before finalize)
// never reaches this function, which is what keeps partial turns out of the
// tables.
func (db *DB) FinalizeTurn(ctx context.Context, params FinalizeTurnParams) (FinalizeTurnResult, error) {
	// The seq-counter row lock can deadlock against a concurrent reset on the
	// same conversation; rerunning the whole transaction resolves it.
	var result FinalizeTurnResult
	err := WithRetry(ctx, txRetryAttempts, txRetryBaseDelay, func() error {
		var err error
		result, err = db.finalizeTurnTx(ctx, params)
		return err
	})
	return result, err
}

func (db *DB) finalizeTurnTx(ctx context.Context, params FinalizeTurnParams) (FinalizeTurnResult, error) {
	conv := params.Conversation

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return FinalizeTurnResult{}, fmt.Errorf("storage: begin turn tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()

	// 1. Allocate two sequence numbers under the conversation row lock.
	var lastSeq int64
	if err := tx.QueryRow(ctx,
		`UPDATE conversations SET last_seq = last_seq + 2, updated_at = $1
		 WHERE tenant_id = $2 AND id = $3
		 RETURNING last_seq`,
		now, conv.TenantID, conv.ID,
	).Scan(&lastSeq); err != nil {
		return FinalizeTurnResult{}, fmt.Errorf("storage: allocate seq in turn tx: %w", err)
	}

	userMsg := model.Message{
		ID:                 uuid.New(),
		ConversationID:     conv.ID,
		TenantID:           conv.TenantID,
		Role:               model.RoleUser,
		Content:            params.UserContent,
		InteractionContext: conv.InteractionContext,
		Seq:                lastSeq - 1,
		CreatedAt:          now,
	}
	assistantMsg := model.Message{
		ID:                 uuid.New(),
		ConversationID:     conv.ID,
		TenantID:           conv.TenantID,
		Role:               model.RoleAssistant,
		Content:            params.AssistantContent,
		InteractionContext: conv.InteractionContext,
		Seq:                lastSeq,
		CreatedAt:          now,
	}

	// 2. Insert both message halves.
	for _, m := range []model.Message{userMsg, assistantMsg} {
		if _, err := tx.Exec(ctx,
			`INSERT INTO messages (id, conversation_id, tenant_id, role, content, interaction_context, seq, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			m.ID, m.ConversationID, m.TenantID, string(m.Role), m.Content,
			string(m.InteractionContext), m.Seq, m.CreatedAt,
		); err != nil {
			return FinalizeTurnResult{}, fmt.Errorf("storage: create message in turn tx: %w", err)
		}
	}

	result := FinalizeTurnResult{UserMessage: userMsg, AssistantMessage: assistantMsg}

	// 3. Raise the escalation, anchored to the user message that caused it.
	if params.Escalation != nil {
		escID := uuid.New()
		if _, err := tx.Exec(ctx,
			`INSERT INTO escalations (id, tenant_id, twin_id, conversation_id, message_id,
			 question, draft_answer, confidence, status, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending', $9, $9)`,
			escID, conv.TenantID, conv.TwinID, conv.ID, userMsg.ID,
			params.Escalation.Question, params.Escalation.DraftAnswer, params.Escalation.Confidence, now,
		); err != nil {
			return FinalizeTurnResult{}, fmt.Errorf("storage: create escalation in turn tx: %w", err)
		}
		result.EscalationID = &escID
	}

	// 4. Write the training memory and its index outbox entry.
	if params.Memory != nil {
		memID := uuid.New()
		if _, err := tx.Exec(ctx,
			`INSERT INTO training_memories (id, tenant_id, twin_id, training_session_id,
			 conversation_id, content, embedding, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			memID, conv.TenantID, conv.TwinID, params.Memory.TrainingSessionID,
			conv.ID, params.Memory.Content, params.Memory.Embedding, now,
		); err != nil {
			return FinalizeTurnResult{}, fmt.Errorf("storage: create training memory in turn tx: %w", err)
		}
		if err := enqueueOutboxTx(ctx, tx, conv.TenantID, conv.TwinID, OutboxTrainingMemory, memID, OutboxUpsert); err != nil {
			return FinalizeTurnResult{}, fmt.Errorf("storage: enqueue outbox in turn tx: %w", err)
		}
		result.MemoryID = &memID
	}

	if err := tx.Commit(ctx); err != nil {
		return FinalizeTurnResult{}, fmt.Errorf("storage: commit turn tx: %w", err)
	}
	return result, nil
}
