package storage

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Outbox entity kinds and operations. Rows in search_outbox describe vector
// index mutations that must eventually be applied to Qdrant; writers enqueue
// inside the same transaction as the Postgres mutation so the index converges
// even across crashes. The outbox worker in internal/search owns the rest of
// the row lifecycle (locking, retries, dead-lettering, deletion).
const (
	OutboxVerifiedAnswer = "verified_answer"
	OutboxTrainingMemory = "training_memory"

	OutboxUpsert = "upsert"
	OutboxDelete = "delete"
)

// enqueueOutboxTx inserts an outbox row inside an existing transaction.
func enqueueOutboxTx(ctx context.Context, tx pgx.Tx, tenantID, twinID uuid.UUID, entityKind string, entityID uuid.UUID, op string) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO search_outbox (tenant_id, twin_id, entity_kind, entity_id, op)
		 VALUES ($1, $2, $3, $4, $5)`,
		tenantID, twinID, entityKind, entityID, op,
	)
	return err
}
