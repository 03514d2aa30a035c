package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kagami/internal/ctxutil"
	"github.com/ashita-ai/kagami/internal/model"
	"github.com/ashita-ai/kagami/internal/service/resolve"
	"github.com/ashita-ai/kagami/internal/service/turn"
)

func (s *Server) registerTools() {
	// kagami_chat — send one message to a twin.
	s.mcpServer.AddTool(
		mcplib.NewTool("kagami_chat",
			mcplib.WithDescription(`Send a message to one of your twins and get its answer.

The twin answers from its verified knowledge first, then from ingested
memory. Questions it cannot answer confidently are escalated to you instead
of being guessed at — check kagami_escalations for the queue.

Pass conversation_id from a previous call to continue the same conversation.
Set mode="owner_training" while a training session is active to have your
corrections stored as twin memory.

WHAT YOU GET BACK:
- content: the twin's reply (or clarify options when the question was ambiguous)
- variant: answered, clarify, escalated, fallback_returned, or training_write_blocked
- conversation_id: pass this back to continue the thread`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("twin_id",
				mcplib.Description("UUID of the twin to talk to"),
				mcplib.Required(),
			),
			mcplib.WithString("message",
				mcplib.Description("The message to send"),
				mcplib.Required(),
			),
			mcplib.WithString("conversation_id",
				mcplib.Description("Optional: UUID of an existing conversation to continue"),
			),
			mcplib.WithString("mode",
				mcplib.Description("Optional: declared interaction mode, owner_training or owner_chat"),
			),
		),
		s.handleChat,
	)

	// kagami_escalations — list a twin's escalation queue.
	s.mcpServer.AddTool(
		mcplib.NewTool("kagami_escalations",
			mcplib.WithDescription(`List a twin's escalations — questions it could not answer confidently.

Each escalation carries the visitor's question and, when retrieval found
anything plausible, a draft answer you can start from. Respond with
kagami_respond_escalation or dismiss with kagami_dismiss_escalation.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("twin_id",
				mcplib.Description("UUID of the twin whose escalations to list"),
				mcplib.Required(),
			),
			mcplib.WithString("status",
				mcplib.Description("Optional filter: pending, responded, or dismissed. Defaults to all."),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum escalations to return"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(10),
			),
		),
		s.handleListEscalations,
	)

	// kagami_respond_escalation — answer an escalated question.
	s.mcpServer.AddTool(
		mcplib.NewTool("kagami_respond_escalation",
			mcplib.WithDescription(`Answer a pending escalation.

By default your answer is promoted into the twin's verified knowledge, so
the twin answers the same question itself next time. Set promote=false to
record the answer without teaching the twin.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("escalation_id",
				mcplib.Description("UUID of the escalation to answer"),
				mcplib.Required(),
			),
			mcplib.WithString("response",
				mcplib.Description("Your answer to the escalated question"),
				mcplib.Required(),
			),
			mcplib.WithBoolean("promote",
				mcplib.Description("Whether the answer becomes verified twin knowledge"),
				mcplib.DefaultBool(true),
			),
		),
		s.handleRespondEscalation,
	)

	// kagami_dismiss_escalation — drop an escalated question.
	s.mcpServer.AddTool(
		mcplib.NewTool("kagami_dismiss_escalation",
			mcplib.WithDescription(`Dismiss a pending escalation without answering it.

The question stays in the audit trail but produces no verified answer and
never reaches the asker.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("escalation_id",
				mcplib.Description("UUID of the escalation to dismiss"),
				mcplib.Required(),
			),
		),
		s.handleDismissEscalation,
	)
}

func (s *Server) handleChat(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := ctxutil.ClaimsFromContext(ctx)
	if claims == nil {
		return errorResult("authentication required"), nil
	}

	twinID, err := uuid.Parse(request.GetString("twin_id", ""))
	if err != nil {
		return errorResult("twin_id must be a valid UUID"), nil
	}
	message := request.GetString("message", "")
	if strings.TrimSpace(message) == "" {
		return errorResult("message is required"), nil
	}

	chat := model.ChatRequest{Message: message}
	if raw := request.GetString("conversation_id", ""); raw != "" {
		convID, parseErr := uuid.Parse(raw)
		if parseErr != nil {
			return errorResult("conversation_id must be a valid UUID"), nil
		}
		chat.ConversationID = &convID
	}
	var declaredMode *string
	if mode := request.GetString("mode", ""); mode != "" {
		if _, parseErr := model.ParseInteractionContext(mode); parseErr != nil {
			return errorResult("mode must be owner_training or owner_chat"), nil
		}
		declaredMode = &mode
		chat.Mode = &mode
	}

	// Collect the stream; MCP tool results are not incremental.
	var (
		content  strings.Builder
		clarify  []string
		variant  string
		convID   *uuid.UUID
		turnErrs []string
	)
	emit := func(f model.TurnFrame) error {
		switch f.Type {
		case model.FrameMetadata:
			if f.Trace != nil {
				id := f.Trace.EffectiveConversationID
				convID = &id
			}
		case model.FrameContent:
			content.WriteString(f.Content)
		case model.FrameClarify:
			clarify = f.ClarifyOptions
		case model.FrameDone:
			variant = f.Variant
		case model.FrameError:
			if f.Error != nil {
				turnErrs = append(turnErrs, f.Error.Message)
			}
		}
		return nil
	}

	err = s.turnSvc.SubmitTurn(ctx, turn.Request{
		Resolve: resolve.Request{
			Origin:       model.OriginOwnerChat,
			TwinID:       twinID,
			Claims:       claims,
			DeclaredMode: declaredMode,
		},
		Chat: chat,
	}, emit)
	if err != nil {
		return errorResult(fmt.Sprintf("chat failed: %v", err)), nil
	}
	if len(turnErrs) > 0 {
		return errorResult(strings.Join(turnErrs, "; ")), nil
	}

	out := map[string]any{
		"content": content.String(),
		"variant": variant,
	}
	if len(clarify) > 0 {
		out["clarify_options"] = clarify
	}
	if convID != nil {
		out["conversation_id"] = convID.String()
	}
	return jsonResult(out), nil
}

func (s *Server) handleListEscalations(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := ctxutil.ClaimsFromContext(ctx)
	if claims == nil {
		return errorResult("authentication required"), nil
	}

	twinID, err := uuid.Parse(request.GetString("twin_id", ""))
	if err != nil {
		return errorResult("twin_id must be a valid UUID"), nil
	}

	var status *model.EscalationStatus
	if raw := request.GetString("status", ""); raw != "" {
		st := model.EscalationStatus(raw)
		if !st.Valid() {
			return errorResult("status must be pending, responded, or dismissed"), nil
		}
		status = &st
	}
	limit := request.GetInt("limit", 10)

	escalations, err := s.db.ListEscalations(ctx, claims.TenantID, twinID, status, limit, 0)
	if err != nil {
		return errorResult(fmt.Sprintf("list failed: %v", err)), nil
	}
	pending, err := s.db.CountPendingEscalations(ctx, claims.TenantID, twinID)
	if err != nil {
		return errorResult(fmt.Sprintf("count failed: %v", err)), nil
	}

	return jsonResult(map[string]any{
		"escalations": escalations,
		"pending":     pending,
	}), nil
}

func (s *Server) handleRespondEscalation(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := ctxutil.ClaimsFromContext(ctx)
	if claims == nil {
		return errorResult("authentication required"), nil
	}

	id, err := uuid.Parse(request.GetString("escalation_id", ""))
	if err != nil {
		return errorResult("escalation_id must be a valid UUID"), nil
	}
	response := strings.TrimSpace(request.GetString("response", ""))
	if response == "" {
		return errorResult("response is required"), nil
	}
	promote := request.GetBool("promote", true)

	if !promote {
		escalation, respondErr := s.db.RespondEscalation(ctx, claims.TenantID, id, response)
		if respondErr != nil {
			return errorResult(fmt.Sprintf("respond failed: %v", respondErr)), nil
		}
		return jsonResult(map[string]any{
			"escalation": escalation,
			"promoted":   false,
		}), nil
	}

	var embeddingVec any
	if vec, embedErr := s.embedder.Embed(ctx, response); embedErr != nil {
		s.logger.Warn("escalation response embedding failed, storing without vector",
			"escalation_id", id, "error", embedErr)
	} else {
		embeddingVec = vec
	}

	escalation, va, err := s.db.RespondEscalationTx(ctx, claims.TenantID, id, response, embeddingVec)
	if err != nil {
		return errorResult(fmt.Sprintf("respond failed: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"escalation":      escalation,
		"verified_answer": va,
		"promoted":        true,
	}), nil
}

func (s *Server) handleDismissEscalation(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := ctxutil.ClaimsFromContext(ctx)
	if claims == nil {
		return errorResult("authentication required"), nil
	}

	id, err := uuid.Parse(request.GetString("escalation_id", ""))
	if err != nil {
		return errorResult("escalation_id must be a valid UUID"), nil
	}

	escalation, err := s.db.DismissEscalation(ctx, claims.TenantID, id)
	if err != nil {
		return errorResult(fmt.Sprintf("dismiss failed: %v", err)), nil
	}
	return jsonResult(map[string]any{"escalation": escalation}), nil
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, _ := json.MarshalIndent(v, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		IsError: true,
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
	}
}
