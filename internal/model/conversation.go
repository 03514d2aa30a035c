package model

import (
	"time"

	"github.com/google/uuid"
)

// Conversation is a bounded exchange between one participant and a twin,
// pinned to a single interaction context at creation time.
//
// PreviousConversationID is set only on conversations the guard created as a
// forced reset of a stale conversation; a partial unique index on
// (tenant_id, twin_id, previous_conversation_id) guarantees at most one reset
// conversation exists per stale id even under concurrent retries.
type Conversation struct {
	ID                     uuid.UUID          `json:"id"`
	TenantID               uuid.UUID          `json:"tenant_id"`
	TwinID                 uuid.UUID          `json:"twin_id"`
	InteractionContext     InteractionContext `json:"interaction_context"`
	OriginEndpoint         OriginEndpoint     `json:"origin_endpoint"`
	ShareLinkID            *uuid.UUID         `json:"share_link_id,omitempty"`
	TrainingSessionID      *uuid.UUID         `json:"training_session_id,omitempty"`
	PreviousConversationID *uuid.UUID         `json:"previous_conversation_id,omitempty"`
	ClientSessionKey       *string            `json:"-"`
	LastSeq                int64              `json:"-"`
	CreatedAt              time.Time          `json:"created_at"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

// MessageRole distinguishes who produced a message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is one turn half inside a conversation. Append-only: messages are
// never mutated or deleted by the turn pipeline. InteractionContext is copied
// from the conversation at write time so every row carries its trust domain
// even if joined tables are lost.
type Message struct {
	ID                 uuid.UUID          `json:"id"`
	ConversationID     uuid.UUID          `json:"conversation_id"`
	TenantID           uuid.UUID          `json:"tenant_id"`
	Role               MessageRole        `json:"role"`
	Content            string             `json:"content"`
	InteractionContext InteractionContext `json:"interaction_context"`
	Seq                int64              `json:"seq"`
	CreatedAt          time.Time          `json:"created_at"`
}
