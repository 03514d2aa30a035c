package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// Tier is one retrieval strategy in the fixed-order fallback chain.
type Tier string

const (
	TierVerified Tier = "verified"
	TierVector   Tier = "vector"
	TierTool     Tier = "tool"
	TierNone     Tier = "none"
)

// RetrievalDecision is the orchestrator's verdict for a turn.
type RetrievalDecision string

const (
	DecisionAnswer   RetrievalDecision = "answer"
	DecisionClarify  RetrievalDecision = "clarify"
	DecisionEscalate RetrievalDecision = "escalate"
)

// EvidenceItem is one ranked piece of supporting material from a tier.
type EvidenceItem struct {
	ID             uuid.UUID `json:"id"`
	SourceID       uuid.UUID `json:"source_id"`
	Snippet        string    `json:"snippet"`
	RelevanceScore float32   `json:"relevance_score"`
	IngestedAt     time.Time `json:"ingested_at"`
}

// RetrievalResult is the full outcome of running the tiered lookup for a query.
type RetrievalResult struct {
	Query      string            `json:"query"`
	Tier       Tier              `json:"tier"`
	Confidence float32           `json:"confidence"`
	Evidence   []EvidenceItem    `json:"evidence"`
	Decision   RetrievalDecision `json:"decision"`

	// ClarifyOptions is populated only when Decision is clarify.
	ClarifyOptions []string `json:"clarify_options,omitempty"`

	// ToolName and ToolOutput are populated only when Tier is tool.
	ToolName   string `json:"tool_name,omitempty"`
	ToolOutput string `json:"tool_output,omitempty"`
}

// VerifiedAnswer is a curated question/answer pair maintained by the owner.
// The verified tier matches against these with the highest threshold in the
// chain.
type VerifiedAnswer struct {
	ID           uuid.UUID        `json:"id"`
	TenantID     uuid.UUID        `json:"tenant_id"`
	TwinID       uuid.UUID        `json:"twin_id"`
	Question     string           `json:"question"`
	Answer       string           `json:"answer"`
	Embedding    *pgvector.Vector `json:"-"`
	EscalationID *uuid.UUID       `json:"escalation_id,omitempty"`
	IngestedAt   time.Time        `json:"ingested_at"`
}

// ContentChunk is a unit of ingested twin content served by the vector tier.
// Chunk production belongs to the ingestion pipeline; this core only reads.
type ContentChunk struct {
	ID         uuid.UUID        `json:"id"`
	TenantID   uuid.UUID        `json:"tenant_id"`
	TwinID     uuid.UUID        `json:"twin_id"`
	SourceID   uuid.UUID        `json:"source_id"`
	Content    string           `json:"content"`
	Embedding  *pgvector.Vector `json:"-"`
	IngestedAt time.Time        `json:"ingested_at"`
}

// ToolRegistration declares an external capability the tool tier may invoke
// when a query matches one of its intent keywords.
type ToolRegistration struct {
	ID             uuid.UUID `json:"id"`
	TenantID       uuid.UUID `json:"tenant_id"`
	TwinID         uuid.UUID `json:"twin_id"`
	Name           string    `json:"name"`
	Description    string    `json:"description"`
	IntentKeywords []string  `json:"intent_keywords"`
	CreatedAt      time.Time `json:"created_at"`
}
