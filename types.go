package kagami

import (
	"time"

	"github.com/google/uuid"
)

// Role is an owner's RBAC role.
type Role string

const (
	RoleOwner      Role = "owner"
	RoleOwnerAdmin Role = "admin"
)

// Escalation is the public representation of a question a twin declined to
// answer. It is a curated view of internal/model.Escalation for use in
// extension interfaces. No internal package imports — safe to use from
// outside the module.
type Escalation struct {
	ID             uuid.UUID
	TenantID       uuid.UUID
	TwinID         uuid.UUID
	ConversationID uuid.UUID
	Question       string
	DraftAnswer    *string
	Confidence     float32
	Status         string // pending | responded | dismissed
	CreatedAt      time.Time
}

// Tool is a registered live-data capability a twin may consult during
// retrieval. Mirrors the internal tool registration record.
type Tool struct {
	ID             uuid.UUID
	TenantID       uuid.UUID
	TwinID         uuid.UUID
	Name           string
	Description    string
	IntentKeywords []string
}

// Message is a single chat turn in a completion prompt.
type Message struct {
	Role    string
	Content string
}

// CompletionRequest carries an ordered prompt to a generation provider.
type CompletionRequest struct {
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// JudgeRequest asks a generation provider to evaluate a candidate response.
type JudgeRequest struct {
	Instructions string
	Question     string
	Candidate    string
}

// Verdict is the structured result of a judge call.
type Verdict struct {
	Pass bool
	// Score in [0,1]; higher means closer to the judged standard.
	Score float64
	// FailedClauses quotes the offending segments verbatim so a rewrite
	// can target them.
	FailedClauses []string
	Reason        string
}

// SearchResult holds an entity ID and similarity score from a Searcher.
// Kind is one of "verified_answer", "training_memory", "content_chunk".
type SearchResult struct {
	EntityID uuid.UUID
	Kind     string
	Score    float32
}
