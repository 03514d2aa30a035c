// Package turn drives a chat turn through the full pipeline: resolve →
// guard → training gate → retrieval → assembly → finalize → trace.
//
// The pipeline is synchronous per turn; retrieval and generation calls are
// the only suspension points. Nothing is written until finalize, so an
// abandoned turn commits no messages, no escalation, and no memory.
package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/kagami/internal/model"
	"github.com/ashita-ai/kagami/internal/service/assemble"
	"github.com/ashita-ai/kagami/internal/service/guard"
	"github.com/ashita-ai/kagami/internal/service/resolve"
	"github.com/ashita-ai/kagami/internal/service/retrieval"
	"github.com/ashita-ai/kagami/internal/service/trace"
	"github.com/ashita-ai/kagami/internal/service/training"
	"github.com/ashita-ai/kagami/internal/storage"
)

// stockEscalationText is the acknowledgment returned on the escalate path.
// This path never generates: a model call here could fabricate an answer.
const stockEscalationText = "That's a good question and I want to get it right. I've flagged it for the owner, who will follow up with a proper answer."

// Request is one chat turn as it arrives from a transport handler.
type Request struct {
	Resolve resolve.Request
	Chat    model.ChatRequest
}

// Emit delivers one stream frame to the client. Returning an error stops
// the stream; the turn's persistence is unaffected.
type Emit func(model.TurnFrame) error

// Service wires the pipeline components for SubmitTurn.
type Service struct {
	db        *storage.DB
	resolver  *resolve.Resolver
	guard     *guard.Guard
	training  *training.Manager
	retriever *retrieval.Orchestrator
	assembler *assemble.Assembler
	emitter   *trace.Emitter
	embed     MemoryEmbedder
	logger    *slog.Logger

	generationTimeout time.Duration
}

// MemoryEmbedder produces the vector stored with a training memory.
type MemoryEmbedder interface {
	Embed(ctx context.Context, text string) (pgvector.Vector, error)
}

// New creates the turn service.
func New(
	db *storage.DB,
	resolver *resolve.Resolver,
	g *guard.Guard,
	tm *training.Manager,
	retriever *retrieval.Orchestrator,
	assembler *assemble.Assembler,
	emitter *trace.Emitter,
	embed MemoryEmbedder,
	generationTimeout time.Duration,
	logger *slog.Logger,
) *Service {
	return &Service{
		db:                db,
		resolver:          resolver,
		guard:             g,
		training:          tm,
		retriever:         retriever,
		assembler:         assembler,
		emitter:           emitter,
		embed:             embed,
		generationTimeout: generationTimeout,
		logger:            logger,
	}
}

// SubmitTurn runs one turn end to end, streaming frames through emit.
//
// Errors returned here are pre-conversation failures (resolution,
// validation) with one exception: a frame delivery failure after finalize
// comes back wrapped in ErrStreamInterrupted, because by then the turn's
// rows are committed. Every other post-admission failure mode maps to a
// response variant and the stream ends with a done frame.
func (s *Service) SubmitTurn(ctx context.Context, req Request, emit Emit) error {
	if err := model.ValidateChatRequest(req.Chat); err != nil {
		return fmt.Errorf("turn: %w: %s", ErrInvalidRequest, err)
	}

	res, err := s.resolver.Resolve(ctx, req.Resolve)
	if err != nil {
		return err
	}

	// Re-check training state at the commit boundary; an expired session
	// downgrades the turn instead of failing it.
	res, err = s.training.Reconcile(ctx, res)
	if err != nil {
		return err
	}

	outcome, err := s.guard.Admit(ctx, res, req.Chat.ConversationID, req.Chat.ClientSessionKey)
	if err != nil {
		return err
	}
	conv := outcome.Conversation
	writeAllowed := guard.TrainingWriteAllowed(res.Context)

	history, err := s.db.ListRecentMessages(ctx, conv.TenantID, conv.ID, 12)
	if err != nil {
		s.logger.Warn("turn: load history failed, continuing without", "error", err)
		history = nil
	}

	twin, err := s.db.GetTwin(ctx, conv.TenantID, conv.TwinID)
	if err != nil {
		return fmt.Errorf("turn: load twin: %w", err)
	}

	result, err := s.retriever.Run(ctx, conv.TenantID, conv.TwinID, req.Chat.Message)
	if err != nil {
		// Retrieval infrastructure failure degrades to the escalate path
		// rather than surfacing a raw error.
		s.logger.Error("turn: retrieval failed, escalating", "error", err)
		result = model.RetrievalResult{
			Query:    req.Chat.Message,
			Tier:     model.TierNone,
			Decision: model.DecisionEscalate,
		}
	}

	assembled := s.assembleTurn(ctx, twin, res.Context, history, req.Chat.Message, result)

	// The client is gone: let the results die here. No messages, no
	// escalation, no memory, no trace.
	if ctx.Err() != nil {
		s.logger.Info("turn: abandoned before finalize", "conversation_id", conv.ID)
		return ctx.Err()
	}

	finalized, err := s.finalize(ctx, conv, req.Chat.Message, assembled, result, res, writeAllowed)
	if err != nil {
		return fmt.Errorf("turn: finalize: %w", err)
	}

	if finalized.EscalationID != nil {
		s.notifyEscalation(conv, *finalized.EscalationID, req.Chat.Message)
	}

	tr, err := s.emitTrace(ctx, req, res, outcome, result, assembled, finalized, writeAllowed)
	if err != nil {
		// The turn is already durable; a trace emission failure is an audit
		// gap to alarm on, not a reason to fail the client. The returned
		// trace is still complete and streams in the metadata frame.
		s.logger.Error("turn: trace emission failed", "error", err, "conversation_id", conv.ID)
	}

	writeBlocked := !writeAllowed && req.Chat.Mode != nil && *req.Chat.Mode == string(model.ContextOwnerTraining)
	if writeBlocked {
		s.logger.Info("turn: training write blocked",
			"conversation_id", conv.ID,
			"resolved_context", res.Context,
		)
	}

	if err := streamFrames(emit, tr, assembled, result, writeBlocked); err != nil {
		return fmt.Errorf("%w: %w", ErrStreamInterrupted, err)
	}
	return nil
}

// assembleTurn produces the outgoing content. Escalate turns take the stock
// acknowledgment without a model call; everything else goes through the
// assembler under the generation timeout, which maps timeouts to fallback.
func (s *Service) assembleTurn(ctx context.Context, twin model.Twin, ic model.InteractionContext, history []model.Message, userMessage string, result model.RetrievalResult) assemble.Output {
	if result.Decision == model.DecisionEscalate {
		return assemble.Output{
			Content:              stockEscalationText,
			State:                model.TurnFinalized,
			DeterministicVerdict: model.VerdictSkipped,
			PolicyVerdict:        model.VerdictSkipped,
			VoiceVerdict:         model.VerdictSkipped,
		}
	}

	genCtx := ctx
	if s.generationTimeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, s.generationTimeout)
		defer cancel()
	}
	return s.assembler.Assemble(genCtx, assemble.Input{
		Twin:        twin,
		Context:     ic,
		UserMessage: userMessage,
		History:     history,
		Retrieval:   result,
		Risk:        assemble.TurnRisk(ic, result),
	})
}

func (s *Service) finalize(ctx context.Context, conv model.Conversation, userMessage string, assembled assemble.Output, result model.RetrievalResult, res resolve.Resolution, writeAllowed bool) (storage.FinalizeTurnResult, error) {
	params := storage.FinalizeTurnParams{
		Conversation:     conv,
		UserContent:      userMessage,
		AssistantContent: assembled.Content,
	}

	if result.Decision == model.DecisionEscalate {
		params.Escalation = &storage.EscalationDraft{
			Question:    userMessage,
			DraftAnswer: escalationDraftAnswer(result),
			Confidence:  result.Confidence,
		}
	}

	if writeAllowed && res.TrainingSession != nil && assembled.State == model.TurnFinalized {
		params.Memory = s.memoryDraft(ctx, res.TrainingSession.ID, userMessage, assembled.Content)
	}

	return s.db.FinalizeTurn(ctx, params)
}

// memoryDraft captures the exchange as a durable training artifact. A failed
// embedding does not block the write; the outbox worker skips rows without
// vectors and the fallback scan never sees them.
func (s *Service) memoryDraft(ctx context.Context, sessionID uuid.UUID, userMessage, assistantContent string) *storage.MemoryDraft {
	content := fmt.Sprintf("Q: %s\nA: %s", userMessage, assistantContent)
	draft := &storage.MemoryDraft{TrainingSessionID: sessionID, Content: content}

	vec, err := s.embed.Embed(ctx, content)
	if err != nil {
		s.logger.Warn("turn: memory embedding failed, storing without vector", "error", err)
		return draft
	}
	draft.Embedding = &vec
	return draft
}

// notifyEscalation pushes the new escalation onto the LISTEN/NOTIFY channel
// feeding the owner's SSE feed. Best-effort: the escalation row is already
// committed and the dashboard polls as a backstop.
func (s *Service) notifyEscalation(conv model.Conversation, escalationID uuid.UUID, question string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload, err := json.Marshal(map[string]any{
		"tenant_id":     conv.TenantID,
		"twin_id":       conv.TwinID,
		"escalation_id": escalationID,
		"question":      question,
	})
	if err != nil {
		return
	}
	if err := s.db.Notify(ctx, storage.ChannelEscalations, string(payload)); err != nil {
		s.logger.Warn("turn: escalation notify failed", "error", err, "escalation_id", escalationID)
	}
}

// escalationDraftAnswer keeps the best near-miss snippet on the escalation
// so the owner starts from something.
func escalationDraftAnswer(result model.RetrievalResult) *string {
	if len(result.Evidence) == 0 {
		return nil
	}
	snippet := result.Evidence[0].Snippet
	return &snippet
}

func (s *Service) emitTrace(ctx context.Context, req Request, res resolve.Resolution, outcome guard.Outcome, result model.RetrievalResult, assembled assemble.Output, finalized storage.FinalizeTurnResult, writeAllowed bool) (model.ResponseTrace, error) {
	conv := outcome.Conversation
	userID := finalized.UserMessage.ID
	assistantID := finalized.AssistantMessage.ID

	tr := model.ResponseTrace{
		TenantID:                conv.TenantID,
		TwinID:                  conv.TwinID,
		InteractionContext:      res.Context,
		OriginEndpoint:          res.Origin,
		ShareLinkID:             res.ShareLinkID,
		ForcedNewConversation:   outcome.ForcedNew,
		ContextResetReason:      outcome.ResetReason,
		PreviousConversationID:  outcome.PreviousID,
		EffectiveConversationID: conv.ID,
		UserMessageID:           &userID,
		AssistantMessageID:      &assistantID,
		Tier:                    result.Tier,
		Confidence:              result.Confidence,
		Decision:                result.Decision,
		DeterministicVerdict:    assembled.DeterministicVerdict,
		PolicyVerdict:           assembled.PolicyVerdict,
		VoiceVerdict:            assembled.VoiceVerdict,
		RewriteApplied:          assembled.RewriteApplied,
		FinalState:              assembled.State,
		TrainingWriteAllowed:    writeAllowed,
		ClientModeDeclared:      req.Chat.Mode,
	}
	if res.TrainingSession != nil {
		sessionID := res.TrainingSession.ID
		tr.TrainingSessionID = &sessionID
	}

	return s.emitter.Emit(ctx, tr, finalized.UserMessage.Content, finalized.AssistantMessage.Content)
}

// streamFrames delivers the turn to the client: metadata first, then the
// payload frame, then done with the exit variant.
func streamFrames(emit Emit, tr model.ResponseTrace, assembled assemble.Output, result model.RetrievalResult, writeBlocked bool) error {
	trCopy := tr
	if err := emit(model.TurnFrame{Type: model.FrameMetadata, Trace: &trCopy}); err != nil {
		return err
	}

	variant := model.VariantAnswered
	switch {
	case result.Decision == model.DecisionEscalate:
		variant = model.VariantEscalated
	case result.Decision == model.DecisionClarify:
		variant = model.VariantClarify
	case assembled.State == model.TurnFallback:
		variant = model.VariantFallbackReturned
	case writeBlocked:
		variant = model.VariantTrainingWriteBlocked
	}

	if result.Decision == model.DecisionClarify && assembled.State != model.TurnFallback {
		if err := emit(model.TurnFrame{
			Type:           model.FrameClarify,
			Content:        assembled.Content,
			ClarifyOptions: result.ClarifyOptions,
		}); err != nil {
			return err
		}
	} else {
		if err := emit(model.TurnFrame{Type: model.FrameContent, Content: assembled.Content}); err != nil {
			return err
		}
	}

	return emit(model.TurnFrame{Type: model.FrameDone, Variant: variant})
}

// ErrInvalidRequest marks structural validation failures surfaced before any
// conversation is touched.
var ErrInvalidRequest = errors.New("turn: invalid request")

// ErrStreamInterrupted marks a frame delivery failure after the turn
// committed. The conversation rows and trace exist; only the transport to
// the client failed, so callers must not treat the turn as un-run.
var ErrStreamInterrupted = errors.New("turn: stream interrupted after commit")
