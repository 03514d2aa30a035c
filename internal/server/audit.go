package server

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kagami/internal/storage"
)

// recordAuditBestEffort appends a mutation audit event outside the request's
// transaction. Audit failure never fails the mutation that already committed;
// it is retried briefly and then logged.
func (h *Handlers) recordAuditBestEffort(
	r *http.Request,
	tenantID, actorID uuid.UUID,
	operation, resourceType, resourceID string,
	metadata map[string]any,
) {
	actorRole := "unknown"
	if claims := ClaimsFromContext(r.Context()); claims != nil {
		actorRole = string(claims.Role)
	}

	entry := storage.MutationAuditEntry{
		RequestID:    RequestIDFromContext(r.Context()),
		TenantID:     tenantID,
		ActorOwnerID: actorID,
		ActorRole:    actorRole,
		HTTPMethod:   r.Method,
		Endpoint:     r.URL.Path,
		Operation:    operation,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Metadata:     metadata,
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		if lastErr = h.db.InsertMutationAudit(writeCtx, entry); lastErr == nil {
			return
		}
		select {
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		case <-writeCtx.Done():
			lastErr = writeCtx.Err()
			attempt = 3
		}
	}
	h.logger.Error("mutation audit write failed",
		"error", lastErr,
		"operation", operation,
		"tenant_id", tenantID,
	)
}
