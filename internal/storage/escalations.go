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

const escalationColumns = `id, tenant_id, twin_id, conversation_id, message_id, question,
	 draft_answer, confidence, status, owner_response, created_at, updated_at`

func scanEscalation(row pgx.Row) (model.Escalation, error) {
	var e model.Escalation
	var status string
	err := row.Scan(
		&e.ID, &e.TenantID, &e.TwinID, &e.ConversationID, &e.MessageID, &e.Question,
		&e.DraftAnswer, &e.Confidence, &status, &e.OwnerResponse, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return model.Escalation{}, err
	}
	e.Status = model.EscalationStatus(status)
	return e, nil
}

// GetEscalation retrieves an escalation by ID scoped to a tenant.
func (db *DB) GetEscalation(ctx context.Context, tenantID, id uuid.UUID) (model.Escalation, error) {
	e, err := scanEscalation(db.pool.QueryRow(ctx,
		`SELECT `+escalationColumns+` FROM escalations WHERE tenant_id = $1 AND id = $2`,
		tenantID, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Escalation{}, fmt.Errorf("storage: escalation %s: %w", id, ErrNotFound)
		}
		return model.Escalation{}, fmt.Errorf("storage: get escalation: %w", err)
	}
	return e, nil
}

// ListEscalations returns a twin's escalations, newest first, optionally
// filtered by status.
func (db *DB) ListEscalations(ctx context.Context, tenantID, twinID uuid.UUID, status *model.EscalationStatus, limit, offset int) ([]model.Escalation, error) {
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
		`SELECT `+escalationColumns+`
		 FROM escalations
		 WHERE tenant_id = $1 AND twin_id = $2 AND ($3::text IS NULL OR status = $3)
		 ORDER BY created_at DESC LIMIT $4 OFFSET $5`,
		tenantID, twinID, status, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list escalations: %w", err)
	}
	defer rows.Close()

	var escalations []model.Escalation
	for rows.Next() {
		e, err := scanEscalation(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan escalation: %w", err)
		}
		escalations = append(escalations, e)
	}
	return escalations, rows.Err()
}

// RespondEscalationTx atomically resolves a pending escalation with the
// owner's answer, promotes that answer into the verified tier, and enqueues
// an outbox entry so the vector index converges. The status transition is a
// compare-and-set: only a pending escalation can be responded to, so
// concurrent responses resolve to exactly one winner.
func (db *DB) RespondEscalationTx(ctx context.Context, tenantID, id uuid.UUID, response string, embedding any) (model.Escalation, model.VerifiedAnswer, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Escalation{}, model.VerifiedAnswer{}, fmt.Errorf("storage: begin respond escalation tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	e, err := scanEscalation(tx.QueryRow(ctx,
		`UPDATE escalations
		 SET status = 'responded', owner_response = $1, updated_at = now()
		 WHERE tenant_id = $2 AND id = $3 AND status = 'pending'
		 RETURNING `+escalationColumns,
		response, tenantID, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Distinguish a missing escalation from an already-resolved one.
			var exists bool
			if scanErr := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM escalations WHERE tenant_id = $1 AND id = $2)`,
				tenantID, id,
			).Scan(&exists); scanErr == nil && exists {
				return model.Escalation{}, model.VerifiedAnswer{}, ErrEscalationNotPending
			}
			return model.Escalation{}, model.VerifiedAnswer{}, fmt.Errorf("storage: escalation %s: %w", id, ErrNotFound)
		}
		return model.Escalation{}, model.VerifiedAnswer{}, fmt.Errorf("storage: respond escalation: %w", err)
	}

	va := model.VerifiedAnswer{
		ID:           uuid.New(),
		TenantID:     e.TenantID,
		TwinID:       e.TwinID,
		Question:     e.Question,
		Answer:       response,
		EscalationID: &e.ID,
	}
	if err := tx.QueryRow(ctx,
		`INSERT INTO verified_answers (id, tenant_id, twin_id, question, answer, embedding, escalation_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING ingested_at`,
		va.ID, va.TenantID, va.TwinID, va.Question, va.Answer, embedding, va.EscalationID,
	).Scan(&va.IngestedAt); err != nil {
		return model.Escalation{}, model.VerifiedAnswer{}, fmt.Errorf("storage: promote verified answer: %w", err)
	}

	if err := enqueueOutboxTx(ctx, tx, e.TenantID, e.TwinID, OutboxVerifiedAnswer, va.ID, OutboxUpsert); err != nil {
		return model.Escalation{}, model.VerifiedAnswer{}, fmt.Errorf("storage: enqueue outbox in respond tx: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Escalation{}, model.VerifiedAnswer{}, fmt.Errorf("storage: commit respond escalation tx: %w", err)
	}
	return e, va, nil
}

// RespondEscalation resolves a pending escalation with the owner's answer
// without promoting it into the verified tier. The answer reaches the asker's
// feed but does not change future retrieval.
func (db *DB) RespondEscalation(ctx context.Context, tenantID, id uuid.UUID, response string) (model.Escalation, error) {
	e, err := scanEscalation(db.pool.QueryRow(ctx,
		`UPDATE escalations
		 SET status = 'responded', owner_response = $1, updated_at = now()
		 WHERE tenant_id = $2 AND id = $3 AND status = 'pending'
		 RETURNING `+escalationColumns,
		response, tenantID, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if scanErr := db.pool.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM escalations WHERE tenant_id = $1 AND id = $2)`,
				tenantID, id,
			).Scan(&exists); scanErr == nil && exists {
				return model.Escalation{}, ErrEscalationNotPending
			}
			return model.Escalation{}, fmt.Errorf("storage: escalation %s: %w", id, ErrNotFound)
		}
		return model.Escalation{}, fmt.Errorf("storage: respond escalation: %w", err)
	}
	return e, nil
}

// DismissEscalation marks a pending escalation as dismissed without producing
// a verified answer.
func (db *DB) DismissEscalation(ctx context.Context, tenantID, id uuid.UUID) (model.Escalation, error) {
	e, err := scanEscalation(db.pool.QueryRow(ctx,
		`UPDATE escalations SET status = 'dismissed', updated_at = now()
		 WHERE tenant_id = $1 AND id = $2 AND status = 'pending'
		 RETURNING `+escalationColumns,
		tenantID, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if scanErr := db.pool.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM escalations WHERE tenant_id = $1 AND id = $2)`,
				tenantID, id,
			).Scan(&exists); scanErr == nil && exists {
				return model.Escalation{}, ErrEscalationNotPending
			}
			return model.Escalation{}, fmt.Errorf("storage: escalation %s: %w", id, ErrNotFound)
		}
		return model.Escalation{}, fmt.Errorf("storage: dismiss escalation: %w", err)
	}
	return e, nil
}

// ListEscalationsSince returns escalations created after the given instant
// across all tenants, oldest first. Used by the escalation hook poll loop.
func (db *DB) ListEscalationsSince(ctx context.Context, since time.Time, limit int) ([]model.Escalation, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+escalationColumns+`
		 FROM escalations
		 WHERE created_at > $1
		 ORDER BY created_at ASC
		 LIMIT $2`,
		since, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list escalations since: %w", err)
	}
	defer rows.Close()

	var out []model.Escalation
	for rows.Next() {
		e, err := scanEscalation(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan escalation: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountPendingEscalations returns the number of unresolved escalations for a twin.
func (db *DB) CountPendingEscalations(ctx context.Context, tenantID, twinID uuid.UUID) (int, error) {
	var count int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM escalations WHERE tenant_id = $1 AND twin_id = $2 AND status = 'pending'`,
		tenantID, twinID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("storage: count pending escalations: %w", err)
	}
	return count, nil
}
