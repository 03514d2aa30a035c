package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kagami/internal/auth"
	"github.com/ashita-ai/kagami/internal/model"
	"github.com/ashita-ai/kagami/internal/service/resolve"
	"github.com/ashita-ai/kagami/internal/service/turn"
	"github.com/ashita-ai/kagami/internal/storage"
)

// sseStream writes TurnFrame events to a streaming response. Headers go out
// lazily on the first send so pre-stream failures can still return a JSON
// error with a proper status code.
type sseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func newSSEStream(w http.ResponseWriter) (*sseStream, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	return &sseStream{w: w, flusher: flusher}, true
}

func (s *sseStream) send(f model.TurnFrame) error {
	if !s.started {
		s.w.Header().Set("Content-Type", "text/event-stream")
		s.w.Header().Set("Cache-Control", "no-cache")
		s.w.Header().Set("Connection", "keep-alive")
		s.w.WriteHeader(http.StatusOK)
		rc := http.NewResponseController(s.w)
		_ = rc.SetWriteDeadline(time.Time{})
		s.started = true
	}

	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if _, err := s.w.Write(formatSSE(string(f.Type), string(data))); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// HandleOwnerChat handles POST /v1/twins/{twin_id}/chat. The resolver derives
// owner_training / owner_chat / public_widget from the presented principal
// and training state; the route only fixes the origin. Anonymous callers are
// admitted and resolve to a widget context, never rejected.
func (h *Handlers) HandleOwnerChat(w http.ResponseWriter, r *http.Request) {
	twinID, err := pathUUID(r, "twin_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.ChatRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	claims := ClaimsFromContext(r.Context())

	var tenantID uuid.UUID
	var principal string
	if claims != nil {
		tenantID = claims.TenantID
		principal = claims.OwnerID.String()
	} else {
		// The idempotency scope needs a tenant before resolution runs.
		twin, err := h.db.GetTwinGlobal(r.Context(), twinID)
		if err != nil {
			writeError(w, r, http.StatusNotFound, model.ErrCodeContextResolution, "unknown twin")
			return
		}
		tenantID = twin.TenantID
		principal = widgetPrincipal(r, req)
	}

	h.runTurn(w, r, turnParams{
		tenantID:  tenantID,
		principal: principal,
		resolve: resolve.Request{
			Origin:       model.OriginOwnerChat,
			TwinID:       twinID,
			Claims:       claims,
			DeclaredMode: req.Mode,
		},
		chat: req,
	})
}

// HandleWidgetChat handles POST /v1/widget/{twin_id}/chat (anonymous).
func (h *Handlers) HandleWidgetChat(w http.ResponseWriter, r *http.Request) {
	twinID, err := pathUUID(r, "twin_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.ChatRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	// The idempotency scope needs a tenant before resolution runs.
	twin, err := h.db.GetTwinGlobal(r.Context(), twinID)
	if err != nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeContextResolution, "unknown twin")
		return
	}

	h.runTurn(w, r, turnParams{
		tenantID:  twin.TenantID,
		principal: widgetPrincipal(r, req),
		resolve: resolve.Request{
			Origin:       model.OriginWidget,
			TwinID:       twinID,
			DeclaredMode: req.Mode,
		},
		chat: req,
	})
}

// HandleShareChat handles POST /v1/share/{token}/chat.
func (h *Handlers) HandleShareChat(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	if token == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "token is required")
		return
	}

	var req model.ChatRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	tokenHash := auth.HashShareToken(token)
	link, err := h.db.GetShareLinkByTokenHash(r.Context(), tokenHash)
	if err != nil || link.Revoked() {
		writeError(w, r, http.StatusNotFound, model.ErrCodeContextResolution, "unknown or revoked share link")
		return
	}

	h.runTurn(w, r, turnParams{
		tenantID:  link.TenantID,
		principal: "share:" + link.ID.String() + ":" + sharePrincipalSuffix(req),
		resolve: resolve.Request{
			Origin:       model.OriginShare,
			TwinID:       link.TwinID,
			ShareToken:   token,
			DeclaredMode: req.Mode,
		},
		chat: req,
	})
}

type turnParams struct {
	tenantID  uuid.UUID
	principal string
	resolve   resolve.Request
	chat      model.ChatRequest
}

// runTurn drives one chat turn through the pipeline and streams its frames.
// With an Idempotency-Key, a completed turn replays its stored frames. A
// pre-commit failure releases the reservation so the retry runs for real; a
// stream failure after the turn committed keeps the key and the frames
// collected so far, so the retry replays instead of appending a second
// message pair.
func (h *Handlers) runTurn(w http.ResponseWriter, r *http.Request, p turnParams) {
	idem, proceed := h.beginIdempotentTurn(w, r, p.tenantID, p.principal, r.Method+":"+r.URL.Path, p.chat)
	if !proceed {
		return
	}

	stream, ok := newSSEStream(w)
	if !ok {
		h.clearIdempotentTurn(idem)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	var frames []model.TurnFrame
	emit := func(f model.TurnFrame) error {
		frames = append(frames, f)
		return stream.send(f)
	}

	err := h.turnSvc.SubmitTurn(r.Context(), turn.Request{Resolve: p.resolve, Chat: p.chat}, emit)
	switch {
	case err == nil:
		h.completeIdempotentTurn(idem, frames)
	case errors.Is(err, turn.ErrStreamInterrupted):
		h.completeIdempotentTurn(idem, frames)
		h.writeTurnError(w, r, stream, err)
	default:
		h.clearIdempotentTurn(idem)
		h.writeTurnError(w, r, stream, err)
	}
}

// writeTurnError maps a pipeline error onto the response. Before any frame
// went out this is a plain JSON error; mid-stream it becomes an error frame.
func (h *Handlers) writeTurnError(w http.ResponseWriter, r *http.Request, stream *sseStream, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// Client gone; nothing to write.
		return
	}
	if errors.Is(err, turn.ErrStreamInterrupted) {
		// The turn committed; only the transport failed. The same broken
		// connection cannot carry an error frame either.
		h.logger.Warn("turn stream interrupted after commit",
			"error", err, "request_id", RequestIDFromContext(r.Context()))
		return
	}

	status := http.StatusInternalServerError
	code := model.ErrCodeInternalError
	msg := "turn failed"
	switch {
	case errors.Is(err, turn.ErrInvalidRequest):
		status, code, msg = http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error()
	case errors.Is(err, resolve.ErrContextResolution):
		status, code, msg = http.StatusUnprocessableEntity, model.ErrCodeContextResolution, err.Error()
	case errors.Is(err, storage.ErrNotFound):
		status, code, msg = http.StatusNotFound, model.ErrCodeNotFound, "not found"
	default:
		h.logger.Error("turn pipeline failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
	}

	if stream.started {
		_ = stream.send(model.TurnFrame{
			Type:  model.FrameError,
			Error: &model.ErrorDetail{Code: code, Message: msg},
		})
		return
	}
	writeError(w, r, status, code, msg)
}

// widgetPrincipal scopes idempotency and rate limits for anonymous widget
// callers: the client session key when provided, else the remote address.
func widgetPrincipal(r *http.Request, req model.ChatRequest) string {
	if req.ClientSessionKey != nil && *req.ClientSessionKey != "" {
		return "widget:" + *req.ClientSessionKey
	}
	return "widget:" + r.RemoteAddr
}

func sharePrincipalSuffix(req model.ChatRequest) string {
	if req.ClientSessionKey != nil && *req.ClientSessionKey != "" {
		return *req.ClientSessionKey
	}
	return "anon"
}
