package model

import (
	"time"

	"github.com/google/uuid"
)

// EscalationStatus is the lifecycle state of an escalation.
type EscalationStatus string

const (
	EscalationPending   EscalationStatus = "pending"
	EscalationResponded EscalationStatus = "responded"
	EscalationDismissed EscalationStatus = "dismissed"
)

// Valid reports whether s names a known lifecycle state.
func (s EscalationStatus) Valid() bool {
	switch s {
	case EscalationPending, EscalationResponded, EscalationDismissed:
		return true
	}
	return false
}

// Escalation is a question the retrieval chain could not confidently answer,
// queued for the owner. Created by the Retrieval Orchestrator inside the turn
// finalize transaction; resolved by owner action through the dashboard API.
type Escalation struct {
	ID             uuid.UUID        `json:"id"`
	TenantID       uuid.UUID        `json:"tenant_id"`
	TwinID         uuid.UUID        `json:"twin_id"`
	ConversationID uuid.UUID        `json:"conversation_id"`
	MessageID      uuid.UUID        `json:"message_id"`
	Question       string           `json:"question"`
	DraftAnswer    *string          `json:"draft_answer,omitempty"`
	Confidence     float32          `json:"confidence"`
	Status         EscalationStatus `json:"status"`
	OwnerResponse  *string          `json:"owner_response,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}
