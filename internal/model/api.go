package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Field length limits for chat requests. These bound what a single turn can
// push into the embedding pipeline and Postgres TEXT columns.
const (
	MaxMessageLen          = 32 * 1024 // 32 KB
	MaxClientSessionKeyLen = 128
	MaxClientModeLen       = 64
)

// ValidateChatRequest checks structural and length constraints on a chat turn.
func ValidateChatRequest(req ChatRequest) error {
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		return fmt.Errorf("message is required")
	}
	if len(req.Message) > MaxMessageLen {
		return fmt.Errorf("message exceeds maximum length of %d bytes", MaxMessageLen)
	}
	if req.ClientSessionKey != nil && len(*req.ClientSessionKey) > MaxClientSessionKeyLen {
		return fmt.Errorf("client_session_key exceeds maximum length of %d characters", MaxClientSessionKeyLen)
	}
	if req.Mode != nil && len(*req.Mode) > MaxClientModeLen {
		return fmt.Errorf("mode exceeds maximum length of %d characters", MaxClientModeLen)
	}
	return nil
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   *int         `json:"total,omitempty"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput      = "INVALID_INPUT"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeContextResolution = "CONTEXT_RESOLUTION_ERROR"
)

// ChatRequest is the request body for the three chat endpoints.
// Mode is client-declared and deliberately ignored for policy decisions: the
// server derives the interaction context itself and only logs the declared
// mode when it disagrees (drift diagnostics). Treating it as input would let
// a client pick its own trust domain.
type ChatRequest struct {
	Message          string     `json:"message"`
	ConversationID   *uuid.UUID `json:"conversation_id,omitempty"`
	ClientSessionKey *string    `json:"client_session_key,omitempty"`
	Mode             *string    `json:"mode,omitempty"`
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

// TurnFrame is one unit of the submit-turn stream. Metadata frames always
// carry the full ResponseTrace; content frames carry answer text; clarify
// frames carry the generated clarification options.
type TurnFrame struct {
	Type           FrameType      `json:"type"`
	Trace          *ResponseTrace `json:"trace,omitempty"`
	Content        string         `json:"content,omitempty"`
	ClarifyOptions []string       `json:"clarify_options,omitempty"`
	Variant        string         `json:"variant,omitempty"` // answered, clarify, escalated, fallback_returned, training_write_blocked
	Error          *ErrorDetail   `json:"error,omitempty"`
}

// Turn exit variants surfaced in done frames.
const (
	VariantAnswered             = "answered"
	VariantClarify              = "clarify"
	VariantEscalated            = "escalated"
	VariantFallbackReturned     = "fallback_returned"
	VariantTrainingWriteBlocked = "training_write_blocked"
)

// RespondEscalationRequest is the body for POST /v1/escalations/{id}/respond.
type RespondEscalationRequest struct {
	Response string `json:"response"`
	// Promote controls whether the response becomes a verified answer.
	// Defaults to true when omitted.
	Promote *bool `json:"promote,omitempty"`
}

// RespondEscalationResponse is the response for POST /v1/escalations/{id}/respond.
// VerifiedAnswer is present only when the response was promoted.
type RespondEscalationResponse struct {
	Escalation     Escalation      `json:"escalation"`
	VerifiedAnswer *VerifiedAnswer `json:"verified_answer,omitempty"`
}

// EscalationListResponse is the response for GET /v1/escalations.
type EscalationListResponse struct {
	Escalations []Escalation `json:"escalations"`
	Pending     int          `json:"pending"`
}

// TrainingSessionResponse wraps training start/stop results. Stop on a twin
// with no active session returns Active=false and no session.
type TrainingSessionResponse struct {
	Session *TrainingSession `json:"session,omitempty"`
	Active  bool             `json:"active"`
}

// CreateShareLinkResponse is the response for POST /v1/twins/{twin_id}/share-links.
// Token is the plaintext secret, returned exactly once.
type CreateShareLinkResponse struct {
	Link  ShareLink `json:"link"`
	Token string    `json:"token"`
}

// ShareLinkListResponse is the response for GET /v1/twins/{twin_id}/share-links.
type ShareLinkListResponse struct {
	Links []ShareLink `json:"links"`
}

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	Email  string `json:"email"`
	APIKey string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Postgres    string `json:"postgres"`
	Qdrant      string `json:"qdrant,omitempty"`
	TraceBuffer int    `json:"trace_buffer_depth"`
	Uptime      int64  `json:"uptime_seconds"`
}
