package kagami

import (
	"time"

	"github.com/google/uuid"
)

// ChatRequest is the request body for the three chat endpoints.
// IdempotencyKey is sent as a header, not in the body: reusing a key replays
// the stored frames of a completed turn instead of running it again.
type ChatRequest struct {
	Message          string     `json:"message"`
	ConversationID   *uuid.UUID `json:"conversation_id,omitempty"`
	ClientSessionKey *string    `json:"client_session_key,omitempty"`
	Mode             *string    `json:"mode,omitempty"`

	IdempotencyKey string `json:"-"`
}

// FrameType enumerates the SSE frame kinds emitted while a turn streams.
type FrameType string

const (
	FrameMetadata FrameType = "metadata"
	FrameContent  FrameType = "content"
	FrameClarify  FrameType = "clarify"
	FrameDone     FrameType = "done"
	FrameError    FrameType = "error"
)

// Turn exit variants surfaced in done frames.
const (
	VariantAnswered             = "answered"
	VariantClarify              = "clarify"
	VariantEscalated            = "escalated"
	VariantFallbackReturned     = "fallback_returned"
	VariantTrainingWriteBlocked = "training_write_blocked"
)

// TurnFrame is one unit of the chat stream. Metadata frames carry the full
// response trace; content frames carry answer text; clarify frames carry the
// generated clarification options.
type TurnFrame struct {
	Type           FrameType      `json:"type"`
	Trace          *ResponseTrace `json:"trace,omitempty"`
	Content        string         `json:"content,omitempty"`
	ClarifyOptions []string       `json:"clarify_options,omitempty"`
	Variant        string         `json:"variant,omitempty"`
	Error          *ErrorDetail   `json:"error,omitempty"`
}

// ErrorDetail describes an API error carried inside an error frame.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ResponseTrace mirrors the server's per-turn audit record. Enum-typed server
// fields are plain strings here so the client does not chase server versions.
type ResponseTrace struct {
	ID                      uuid.UUID  `json:"id"`
	TenantID                uuid.UUID  `json:"tenant_id"`
	TwinID                  uuid.UUID  `json:"twin_id"`
	InteractionContext      string     `json:"interaction_context"`
	OriginEndpoint          string     `json:"origin_endpoint"`
	ShareLinkID             *uuid.UUID `json:"share_link_id"`
	TrainingSessionID       *uuid.UUID `json:"training_session_id"`
	ForcedNewConversation   bool       `json:"forced_new_conversation"`
	ContextResetReason      *string    `json:"context_reset_reason"`
	PreviousConversationID  *uuid.UUID `json:"previous_conversation_id"`
	EffectiveConversationID uuid.UUID  `json:"effective_conversation_id"`
	UserMessageID           *uuid.UUID `json:"user_message_id"`
	AssistantMessageID      *uuid.UUID `json:"assistant_message_id"`
	RetrievalTier           string     `json:"retrieval_tier"`
	Confidence              float32    `json:"confidence"`
	Decision                string     `json:"decision"`
	DeterministicVerdict    string     `json:"deterministic_verdict"`
	PolicyVerdict           string     `json:"policy_verdict"`
	VoiceVerdict            string     `json:"voice_verdict"`
	RewriteApplied          bool       `json:"rewrite_applied"`
	FinalState              string     `json:"final_state"`
	TrainingWriteAllowed    bool       `json:"training_write_allowed"`
	ClientModeDeclared      *string    `json:"client_mode_declared"`
	ContentHash             string     `json:"content_hash"`
	CreatedAt               time.Time  `json:"created_at"`
}

// Turn is the collected result of a streamed chat turn.
type Turn struct {
	Trace          *ResponseTrace
	Content        string
	ClarifyOptions []string
	Variant        string
}

// Escalation is a question the twin could not answer confidently, parked for
// the owner to resolve.
type Escalation struct {
	ID             uuid.UUID `json:"id"`
	TenantID       uuid.UUID `json:"tenant_id"`
	TwinID         uuid.UUID `json:"twin_id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	MessageID      uuid.UUID `json:"message_id"`
	Question       string    `json:"question"`
	DraftAnswer    *string   `json:"draft_answer,omitempty"`
	Confidence     float32   `json:"confidence"`
	Status         string    `json:"status"`
	OwnerResponse  *string   `json:"owner_response,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// VerifiedAnswer is a curated question/answer pair served by the verified
// retrieval tier.
type VerifiedAnswer struct {
	ID           uuid.UUID  `json:"id"`
	TenantID     uuid.UUID  `json:"tenant_id"`
	TwinID       uuid.UUID  `json:"twin_id"`
	Question     string     `json:"question"`
	Answer       string     `json:"answer"`
	EscalationID *uuid.UUID `json:"escalation_id,omitempty"`
	IngestedAt   time.Time  `json:"ingested_at"`
}

// TrainingSession is an owner's training window on a twin.
type TrainingSession struct {
	ID        uuid.UUID  `json:"id"`
	TenantID  uuid.UUID  `json:"tenant_id"`
	TwinID    uuid.UUID  `json:"twin_id"`
	OwnerID   uuid.UUID  `json:"owner_id"`
	Status    string     `json:"status"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// ShareLink grants anonymous access to a twin. The plaintext token is
// returned exactly once at creation.
type ShareLink struct {
	ID        uuid.UUID  `json:"id"`
	TenantID  uuid.UUID  `json:"tenant_id"`
	TwinID    uuid.UUID  `json:"twin_id"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// EscalationList is the response for listing escalations. Pending counts all
// pending escalations for the twin regardless of the status filter.
type EscalationList struct {
	Escalations []Escalation `json:"escalations"`
	Pending     int          `json:"pending"`
}

// RespondEscalationResult carries the resolved escalation and, when the
// response was promoted, the verified answer it became.
type RespondEscalationResult struct {
	Escalation     Escalation      `json:"escalation"`
	VerifiedAnswer *VerifiedAnswer `json:"verified_answer,omitempty"`
}

// TrainingSessionResult wraps training start/stop results. Stop on a twin
// with no active session returns Active=false and no session.
type TrainingSessionResult struct {
	Session *TrainingSession `json:"session,omitempty"`
	Active  bool             `json:"active"`
}

// CreateShareLinkResult holds the new link and its plaintext token.
type CreateShareLinkResult struct {
	Link  ShareLink `json:"link"`
	Token string    `json:"token"`
}

// Health is the server's health report.
type Health struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Postgres    string `json:"postgres"`
	Qdrant      string `json:"qdrant,omitempty"`
	TraceBuffer int    `json:"trace_buffer_depth"`
	Uptime      int64  `json:"uptime_seconds"`
}
