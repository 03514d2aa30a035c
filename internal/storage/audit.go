package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// MutationAuditEntry records one state-changing API call: who, through which
// endpoint, against which resource. Rows are append-only.
type MutationAuditEntry struct {
	RequestID    string
	TenantID     uuid.UUID
	ActorOwnerID uuid.UUID
	ActorRole    string
	HTTPMethod   string
	Endpoint     string
	Operation    string
	ResourceType string
	ResourceID   string
	Metadata     map[string]any
}

// InsertMutationAudit writes one audit row. Metadata defaults to an empty
// object so the column is never null.
func (db *DB) InsertMutationAudit(ctx context.Context, e MutationAuditEntry) error {
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("storage: marshal mutation audit metadata: %w", err)
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO mutation_audit_log (
		     request_id, tenant_id, actor_owner_id, actor_role,
		     http_method, endpoint, operation, resource_type, resource_id, metadata
		 )
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb)`,
		e.RequestID, e.TenantID, e.ActorOwnerID, e.ActorRole,
		e.HTTPMethod, e.Endpoint, e.Operation, e.ResourceType, e.ResourceID,
		metaJSON,
	)
	if err != nil {
		return fmt.Errorf("storage: insert mutation audit: %w", err)
	}
	return nil
}
