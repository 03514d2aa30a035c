package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// TrainingSessionStatus is the lifecycle state of a training session.
type TrainingSessionStatus string

const (
	TrainingActive TrainingSessionStatus = "active"
	TrainingEnded  TrainingSessionStatus = "ended"
)

// TrainingSession is an explicit owner-bounded window during which
// owner-endpoint turns resolve to owner_training and may write durable
// knowledge. At most one active session exists per (tenant, twin, owner),
// enforced by a partial unique index.
type TrainingSession struct {
	ID        uuid.UUID             `json:"id"`
	TenantID  uuid.UUID             `json:"tenant_id"`
	TwinID    uuid.UUID             `json:"twin_id"`
	OwnerID   uuid.UUID             `json:"owner_id"`
	Status    TrainingSessionStatus `json:"status"`
	StartedAt time.Time             `json:"started_at"`
	EndedAt   *time.Time            `json:"ended_at,omitempty"`
}

// Active reports whether the session is currently open.
func (s TrainingSession) Active() bool {
	return s.Status == TrainingActive
}

// TrainingMemory is a durable knowledge artifact written by an owner_training
// turn. Rows feed the vector retrieval tier alongside ingested content.
type TrainingMemory struct {
	ID                uuid.UUID        `json:"id"`
	TenantID          uuid.UUID        `json:"tenant_id"`
	TwinID            uuid.UUID        `json:"twin_id"`
	TrainingSessionID uuid.UUID        `json:"training_session_id"`
	ConversationID    uuid.UUID        `json:"conversation_id"`
	Content           string           `json:"content"`
	Embedding         *pgvector.Vector `json:"-"`
	CreatedAt         time.Time        `json:"created_at"`
}
