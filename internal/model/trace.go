package model

import (
	"time"

	"github.com/google/uuid"
)

// JudgeVerdict is the outcome of one validation pass over a drafted response.
type JudgeVerdict string

const (
	VerdictPass    JudgeVerdict = "pass"
	VerdictFail    JudgeVerdict = "fail"
	VerdictSkipped JudgeVerdict = "skipped"
)

// TurnState tracks a turn through the assembly pipeline. Every turn must
// terminate in finalized or fallback.
type TurnState string

const (
	TurnDrafted              TurnState = "drafted"
	TurnDeterministicChecked TurnState = "deterministic_checked"
	TurnPolicyJudged         TurnState = "policy_judged"
	TurnVoiceJudged          TurnState = "voice_judged"
	TurnRewritten            TurnState = "rewritten"
	TurnFinalized            TurnState = "finalized"
	TurnFallback             TurnState = "fallback"
)

// Terminal reports whether the state ends the pipeline.
func (s TurnState) Terminal() bool {
	return s == TurnFinalized || s == TurnFallback
}

// ResponseTrace is the per-turn audit record attached to every outgoing
// payload. Created once per turn, immutable, never updated. Every field is
// present in the serialized form even when null so downstream consumers can
// rely on a stable schema.
type ResponseTrace struct {
	ID                      uuid.UUID           `json:"id"`
	TenantID                uuid.UUID           `json:"tenant_id"`
	TwinID                  uuid.UUID           `json:"twin_id"`
	InteractionContext      InteractionContext  `json:"interaction_context"`
	OriginEndpoint          OriginEndpoint      `json:"origin_endpoint"`
	ShareLinkID             *uuid.UUID          `json:"share_link_id"`
	TrainingSessionID       *uuid.UUID          `json:"training_session_id"`
	ForcedNewConversation   bool                `json:"forced_new_conversation"`
	ContextResetReason      *ContextResetReason `json:"context_reset_reason"`
	PreviousConversationID  *uuid.UUID          `json:"previous_conversation_id"`
	EffectiveConversationID uuid.UUID           `json:"effective_conversation_id"`
	UserMessageID           *uuid.UUID          `json:"user_message_id"`
	AssistantMessageID      *uuid.UUID          `json:"assistant_message_id"`
	Tier                    Tier                `json:"retrieval_tier"`
	Confidence              float32             `json:"confidence"`
	Decision                RetrievalDecision   `json:"decision"`
	DeterministicVerdict    JudgeVerdict        `json:"deterministic_verdict"`
	PolicyVerdict           JudgeVerdict        `json:"policy_verdict"`
	VoiceVerdict            JudgeVerdict        `json:"voice_verdict"`
	RewriteApplied          bool                `json:"rewrite_applied"`
	FinalState              TurnState           `json:"final_state"`
	TrainingWriteAllowed    bool                `json:"training_write_allowed"`
	ClientModeDeclared      *string             `json:"client_mode_declared"`
	ContentHash             string              `json:"content_hash"`
	CreatedAt               time.Time           `json:"created_at"`
}
