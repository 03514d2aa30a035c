package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kagami/internal/model"
	"github.com/ashita-ai/kagami/internal/storage"
)

// idempotencyHandle tracks a reserved key through a chat turn. The principal
// is the owner id for authenticated routes, or the client session key for
// public ones.
type idempotencyHandle struct {
	tenantID  uuid.UUID
	principal string
	endpoint  string
	key       string
}

func idempotencyKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("Idempotency-Key"))
}

func requestHash(payload any) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// beginIdempotentTurn checks/reuses/reserves an idempotency key for a chat
// request. Returns (nil, true) when no key is present and the caller should
// proceed normally; (nil, false) when the response has already been written
// (replay or error).
func (h *Handlers) beginIdempotentTurn(
	w http.ResponseWriter,
	r *http.Request,
	tenantID uuid.UUID,
	principal, endpoint string,
	payload any,
) (*idempotencyHandle, bool) {
	key := idempotencyKey(r)
	if key == "" {
		return nil, true
	}

	hash, err := requestHash(payload)
	if err != nil {
		h.writeInternalError(w, r, "failed to hash idempotency payload", err)
		return nil, false
	}

	lookup, err := h.db.BeginIdempotency(r.Context(), tenantID, principal, endpoint, key, hash)
	switch {
	case err == nil:
		if lookup.Completed {
			h.replayTurnFrames(w, r, lookup.ResponseData)
			return nil, false
		}
		return &idempotencyHandle{tenantID: tenantID, principal: principal, endpoint: endpoint, key: key}, true
	case errors.Is(err, storage.ErrIdempotencyPayloadMismatch):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "idempotency key reused with different payload")
		return nil, false
	case errors.Is(err, storage.ErrIdempotencyInProgress):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "request with this idempotency key is already in progress")
		return nil, false
	default:
		h.writeInternalError(w, r, "idempotency lookup failed", err)
		return nil, false
	}
}

// replayTurnFrames re-emits a stored turn's frames over SSE. The turn's rows
// already exist; nothing in the pipeline runs again.
func (h *Handlers) replayTurnFrames(w http.ResponseWriter, r *http.Request, stored json.RawMessage) {
	var frames []model.TurnFrame
	if err := json.Unmarshal(stored, &frames); err != nil {
		h.writeInternalError(w, r, "failed to unmarshal idempotent replay payload", err)
		return
	}

	stream, ok := newSSEStream(w)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}
	for _, f := range frames {
		if err := stream.send(f); err != nil {
			return
		}
	}
}

// completeIdempotentTurn stores the turn's frames for replay. Runs in a
// bounded background context so a client disconnect right after the done
// frame cannot leave the key stuck in_progress.
func (h *Handlers) completeIdempotentTurn(idem *idempotencyHandle, frames []model.TurnFrame) {
	if idem == nil {
		return
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		if lastErr = h.db.CompleteIdempotency(writeCtx, idem.tenantID, idem.principal, idem.endpoint, idem.key, http.StatusOK, frames); lastErr == nil {
			return
		}
		h.logger.Warn("idempotency finalize attempt failed",
			"attempt", attempt, "error", lastErr, "endpoint", idem.endpoint)
		select {
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		case <-writeCtx.Done():
			lastErr = fmt.Errorf("idempotency finalize context expired: %w", lastErr)
			attempt = 3
		}
	}
	h.logger.Error("failed to finalize idempotency record after committed turn",
		"error", lastErr, "endpoint", idem.endpoint)
}

// clearIdempotentTurn releases a reservation for a turn that committed
// nothing, so the client's retry can run the turn for real.
func (h *Handlers) clearIdempotentTurn(idem *idempotencyHandle) {
	if idem == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.db.ClearInProgressIdempotency(ctx, idem.tenantID, idem.principal, idem.endpoint, idem.key); err != nil {
		h.logger.Error("failed to clear idempotency record",
			"error", err, "endpoint", idem.endpoint)
	}
}
