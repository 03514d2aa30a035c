package trace

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kagami/internal/integrity"
	"github.com/ashita-ai/kagami/internal/model"
	"github.com/ashita-ai/kagami/internal/storage"
)

// Emitter finalizes response traces: it stamps identity, computes the
// tamper-evident content hash, and hands the trace to the write buffer.
// One emitter is shared by all turn pipelines.
type Emitter struct {
	db     *storage.DB
	buf    *Buffer
	logger *slog.Logger
}

// NewEmitter creates a trace emitter backed by buf.
func NewEmitter(db *storage.DB, buf *Buffer, logger *slog.Logger) *Emitter {
	return &Emitter{db: db, buf: buf, logger: logger}
}

// Emit completes t and appends it to the buffer. The user and assistant
// message bodies feed the content hash but are never stored on the trace
// itself. Returns the completed trace as accepted for persistence.
//
// A trace is emitted for every turn, including fallback turns, so buffer
// backpressure surfaces as an error rather than a silent audit gap. The
// completed trace is returned alongside that error: the turn can still
// stream its audit fields while the caller alarms on the persistence gap.
func (e *Emitter) Emit(ctx context.Context, t model.ResponseTrace, userContent, assistantContent string) (model.ResponseTrace, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if !t.FinalState.Terminal() {
		return model.ResponseTrace{}, fmt.Errorf("trace: emit with non-terminal state %q", t.FinalState)
	}

	t.ContentHash = integrity.ComputeContentHash(integrity.TurnContent{
		TraceID:          t.ID,
		ConversationID:   t.EffectiveConversationID,
		UserContent:      userContent,
		AssistantContent: assistantContent,
		FinalState:       string(t.FinalState),
		Decision:         string(t.Decision),
		CreatedAt:        t.CreatedAt,
	})

	if err := e.buf.Append(ctx, t); err != nil {
		return t, err
	}
	return t, nil
}

// ConversationAuditRoot computes the Merkle root over the content hashes of
// every flushed trace in a conversation, oldest first. Re-computing the root
// after any retroactive edit to a turn yields a different value, so a stored
// or exported root proves the conversation history is intact.
//
// Traces still sitting in the buffer are not included; callers wanting an
// up-to-the-turn root should drain or flush first.
func (e *Emitter) ConversationAuditRoot(ctx context.Context, tenantID, conversationID uuid.UUID) (string, int, error) {
	hashes, err := e.db.ListTraceContentHashes(ctx, tenantID, conversationID)
	if err != nil {
		return "", 0, fmt.Errorf("trace: audit root: %w", err)
	}
	return integrity.BuildMerkleRoot(hashes), len(hashes), nil
}
