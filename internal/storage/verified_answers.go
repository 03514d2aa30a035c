package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/kagami/internal/model"
)

// CreateVerifiedAnswer inserts a curated question/answer pair and enqueues
// an outbox entry so the vector index picks it up.
func (db *DB) CreateVerifiedAnswer(ctx context.Context, va model.VerifiedAnswer) (model.VerifiedAnswer, error) {
	if va.ID == uuid.Nil {
		va.ID = uuid.New()
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.VerifiedAnswer{}, fmt.Errorf("storage: begin create verified answer tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := tx.QueryRow(ctx,
		`INSERT INTO verified_answers (id, tenant_id, twin_id, question, answer, embedding, escalation_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING ingested_at`,
		va.ID, va.TenantID, va.TwinID, va.Question, va.Answer, va.Embedding, va.EscalationID,
	).Scan(&va.IngestedAt); err != nil {
		return model.VerifiedAnswer{}, fmt.Errorf("storage: create verified answer: %w", err)
	}

	if err := enqueueOutboxTx(ctx, tx, va.TenantID, va.TwinID, OutboxVerifiedAnswer, va.ID, OutboxUpsert); err != nil {
		return model.VerifiedAnswer{}, fmt.Errorf("storage: enqueue outbox in create verified answer tx: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.VerifiedAnswer{}, fmt.Errorf("storage: commit create verified answer tx: %w", err)
	}
	return va, nil
}

// GetVerifiedAnswer retrieves a verified answer by ID scoped to a tenant.
func (db *DB) GetVerifiedAnswer(ctx context.Context, tenantID, id uuid.UUID) (model.VerifiedAnswer, error) {
	var va model.VerifiedAnswer
	err := db.pool.QueryRow(ctx,
		`SELECT id, tenant_id, twin_id, question, answer, escalation_id, ingested_at
		 FROM verified_answers WHERE tenant_id = $1 AND id = $2`,
		tenantID, id,
	).Scan(&va.ID, &va.TenantID, &va.TwinID, &va.Question, &va.Answer, &va.EscalationID, &va.IngestedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.VerifiedAnswer{}, fmt.Errorf("storage: verified answer %s: %w", id, ErrNotFound)
		}
		return model.VerifiedAnswer{}, fmt.Errorf("storage: get verified answer: %w", err)
	}
	return va, nil
}

// VerifiedMatch pairs a verified answer with its similarity to a query.
type VerifiedMatch struct {
	Answer     model.VerifiedAnswer
	Similarity float32
}

// SearchVerifiedAnswers performs semantic similarity search over a twin's
// verified answers. Results are ordered by cosine similarity descending.
// This is the Postgres fallback path; the primary index lives in Qdrant.
func (db *DB) SearchVerifiedAnswers(ctx context.Context, tenantID, twinID uuid.UUID, embedding pgvector.Vector, limit int) ([]VerifiedMatch, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, tenant_id, twin_id, question, answer, escalation_id, ingested_at,
		 (1 - (embedding <=> $3)) AS similarity
		 FROM verified_answers
		 WHERE tenant_id = $1 AND twin_id = $2 AND embedding IS NOT NULL
		 ORDER BY embedding <=> $3
		 LIMIT $4`,
		tenantID, twinID, embedding, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: search verified answers: %w", err)
	}
	defer rows.Close()

	var matches []VerifiedMatch
	for rows.Next() {
		var m VerifiedMatch
		if err := rows.Scan(
			&m.Answer.ID, &m.Answer.TenantID, &m.Answer.TwinID, &m.Answer.Question,
			&m.Answer.Answer, &m.Answer.EscalationID, &m.Answer.IngestedAt, &m.Similarity,
		); err != nil {
			return nil, fmt.Errorf("storage: scan verified match: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// ListVerifiedAnswers returns a twin's verified answers, newest first.
func (db *DB) ListVerifiedAnswers(ctx context.Context, tenantID, twinID uuid.UUID, limit, offset int) ([]model.VerifiedAnswer, error) {
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
		`SELECT id, tenant_id, twin_id, question, answer, escalation_id, ingested_at
		 FROM verified_answers WHERE tenant_id = $1 AND twin_id = $2
		 ORDER BY ingested_at DESC LIMIT $3 OFFSET $4`,
		tenantID, twinID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list verified answers: %w", err)
	}
	defer rows.Close()

	var answers []model.VerifiedAnswer
	for rows.Next() {
		var va model.VerifiedAnswer
		if err := rows.Scan(&va.ID, &va.TenantID, &va.TwinID, &va.Question, &va.Answer, &va.EscalationID, &va.IngestedAt); err != nil {
			return nil, fmt.Errorf("storage: scan verified answer: %w", err)
		}
		answers = append(answers, va)
	}
	return answers, rows.Err()
}

// DeleteVerifiedAnswer removes a verified answer and enqueues the index delete.
func (db *DB) DeleteVerifiedAnswer(ctx context.Context, tenantID, id uuid.UUID) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin delete verified answer tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var twinID uuid.UUID
	err = tx.QueryRow(ctx,
		`DELETE FROM verified_answers WHERE tenant_id = $1 AND id = $2 RETURNING twin_id`,
		tenantID, id,
	).Scan(&twinID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("storage: verified answer %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("storage: delete verified answer: %w", err)
	}

	if err := enqueueOutboxTx(ctx, tx, tenantID, twinID, OutboxVerifiedAnswer, id, OutboxDelete); err != nil {
		return fmt.Errorf("storage: enqueue outbox in delete verified answer tx: %w", err)
	}
	return tx.Commit(ctx)
}
