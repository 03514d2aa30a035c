// Package guard enforces conversation-context immutability.
//
// Given a resolved context and an optional client-supplied conversation id,
// the guard returns the conversation the turn will write into. A stored
// conversation's interaction context never changes: a mismatched request
// spawns a reset successor instead of mutating the existing row.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kagami/internal/model"
	"github.com/ashita-ai/kagami/internal/service/resolve"
	"github.com/ashita-ai/kagami/internal/storage"
)

// Outcome reports which conversation the turn writes into and whether the
// guard forced a reset to get there.
type Outcome struct {
	Conversation model.Conversation

	ForcedNew   bool
	ResetReason *model.ContextResetReason
	PreviousID  *uuid.UUID
}

// Guard is the only component that creates conversations.
type Guard struct {
	db     *storage.DB
	logger *slog.Logger
}

// New creates a Guard.
func New(db *storage.DB, logger *slog.Logger) *Guard {
	return &Guard{db: db, logger: logger}
}

// Admit returns the conversation for this turn.
//
//   - No conversation id supplied: create fresh with the resolved context.
//   - Supplied id matches the resolved context: reuse it.
//   - Supplied id exists but the contexts differ: create a reset successor,
//     leaving the stale conversation untouched. Concurrent resets of the same
//     stale id collapse to one successor through the partial unique index on
//     previous_conversation_id.
//   - Supplied id unknown, or owned by another tenant or twin: treated as
//     absent, not as an error.
func (g *Guard) Admit(ctx context.Context, res resolve.Resolution, conversationID *uuid.UUID, clientSessionKey *string) (Outcome, error) {
	if conversationID == nil {
		conv, err := g.create(ctx, res, nil, clientSessionKey)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Conversation: conv}, nil
	}

	existing, err := g.db.GetConversation(ctx, res.TenantID, res.TwinID, *conversationID)
	if errors.Is(err, storage.ErrNotFound) {
		// Unknown or foreign id. Availability wins over strictness here:
		// start fresh rather than reject.
		g.logger.Debug("guard: supplied conversation id not found, creating fresh",
			"conversation_id", *conversationID, "twin_id", res.TwinID)
		conv, err := g.create(ctx, res, nil, clientSessionKey)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Conversation: conv}, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("guard: load conversation: %w", err)
	}

	if existing.InteractionContext == res.Context {
		return Outcome{Conversation: existing}, nil
	}

	return g.reset(ctx, res, existing, clientSessionKey)
}

// reset creates (or adopts) the successor of a context-mismatched
// conversation. The stale row is never mutated.
func (g *Guard) reset(ctx context.Context, res resolve.Resolution, stale model.Conversation, clientSessionKey *string) (Outcome, error) {
	staleID := stale.ID
	conv, created, err := g.resetConversation(ctx, res, staleID, clientSessionKey)
	if err != nil {
		return Outcome{}, err
	}

	reason := model.ResetContextMismatch
	if created {
		g.logger.Info("guard: forced new conversation",
			"reason", string(reason),
			"stale_id", staleID,
			"new_id", conv.ID,
			"stale_context", string(stale.InteractionContext),
			"resolved_context", string(res.Context),
		)
	}
	return Outcome{
		Conversation: conv,
		ForcedNew:    true,
		ResetReason:  &reason,
		PreviousID:   &staleID,
	}, nil
}

func (g *Guard) resetConversation(ctx context.Context, res resolve.Resolution, staleID uuid.UUID, clientSessionKey *string) (model.Conversation, bool, error) {
	conv := g.newConversation(res, &staleID, clientSessionKey)
	winner, created, err := g.db.ResetConversation(ctx, conv)
	if err != nil {
		return model.Conversation{}, false, fmt.Errorf("guard: reset conversation: %w", err)
	}

	// A concurrent winner must carry our resolved context; if it does not,
	// the race was between two different contexts and our turn re-resolves
	// against the winner as the new stale id.
	if !created && winner.InteractionContext != res.Context {
		successor := g.newConversation(res, &winner.ID, clientSessionKey)
		successor, _, err = g.db.ResetConversation(ctx, successor)
		if err != nil {
			return model.Conversation{}, false, fmt.Errorf("guard: reset conversation retry: %w", err)
		}
		return successor, true, nil
	}
	return winner, created, nil
}

func (g *Guard) create(ctx context.Context, res resolve.Resolution, previousID *uuid.UUID, clientSessionKey *string) (model.Conversation, error) {
	conv, err := g.db.CreateConversation(ctx, g.newConversation(res, previousID, clientSessionKey))
	if err != nil {
		return model.Conversation{}, fmt.Errorf("guard: create conversation: %w", err)
	}
	return conv, nil
}

func (g *Guard) newConversation(res resolve.Resolution, previousID *uuid.UUID, clientSessionKey *string) model.Conversation {
	now := time.Now().UTC()
	conv := model.Conversation{
		ID:                     uuid.New(),
		TenantID:               res.TenantID,
		TwinID:                 res.TwinID,
		InteractionContext:     res.Context,
		OriginEndpoint:         res.Origin,
		ShareLinkID:            res.ShareLinkID,
		PreviousConversationID: previousID,
		ClientSessionKey:       clientSessionKey,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if res.TrainingSession != nil {
		sessionID := res.TrainingSession.ID
		conv.TrainingSessionID = &sessionID
	}
	return conv
}

// TrainingWriteAllowed is the hard write gate: only owner_training turns may
// produce durable knowledge. Public contexts are blocked regardless of
// confidence; owner_chat reads the twin but never trains it.
func TrainingWriteAllowed(ic model.InteractionContext) bool {
	switch ic {
	case model.ContextOwnerTraining:
		return true
	case model.ContextOwnerChat, model.ContextPublicShare, model.ContextPublicWidget:
		return false
	}
	return false
}
