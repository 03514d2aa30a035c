package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ashita-ai/kagami/internal/model"
	"github.com/ashita-ai/kagami/internal/storage"
)

// HandleListEscalations handles GET /v1/escalations?twin_id=...&status=...
func (h *Handlers) HandleListEscalations(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	twinID, err := queryUUID(r, "twin_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "twin_id query parameter is required")
		return
	}

	var status *model.EscalationStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		s := model.EscalationStatus(raw)
		if !s.Valid() {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid status filter")
			return
		}
		status = &s
	}

	escalations, err := h.db.ListEscalations(r.Context(), claims.TenantID, twinID,
		status, queryLimit(r, 50), queryOffset(r))
	if err != nil {
		h.writeInternalError(w, r, "failed to list escalations", err)
		return
	}
	pending, err := h.db.CountPendingEscalations(r.Context(), claims.TenantID, twinID)
	if err != nil {
		h.writeInternalError(w, r, "failed to count pending escalations", err)
		return
	}
	if escalations == nil {
		escalations = []model.Escalation{}
	}

	writeJSON(w, r, http.StatusOK, model.EscalationListResponse{
		Escalations: escalations,
		Pending:     pending,
	})
}

// HandleRespondEscalation handles POST /v1/escalations/{id}/respond. By
// default the response is promoted into the verified tier so the twin can
// answer the question itself next time; promote=false records the answer
// without teaching the twin.
func (h *Handlers) HandleRespondEscalation(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.RespondEscalationRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	req.Response = strings.TrimSpace(req.Response)
	if req.Response == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "response is required")
		return
	}

	promote := req.Promote == nil || *req.Promote

	var resp model.RespondEscalationResponse
	if promote {
		// Embedding failure leaves the verified answer without a vector;
		// the verified tier matches lexically either way.
		var embedding any
		if vec, embedErr := h.embedder.Embed(r.Context(), req.Response); embedErr != nil {
			h.logger.Warn("escalation response embedding failed, storing without vector",
				"escalation_id", id, "error", embedErr)
		} else {
			embedding = vec
		}

		escalation, va, respondErr := h.db.RespondEscalationTx(r.Context(), claims.TenantID, id, req.Response, embedding)
		if respondErr != nil {
			h.writeEscalationError(w, r, respondErr)
			return
		}
		resp = model.RespondEscalationResponse{Escalation: escalation, VerifiedAnswer: &va}
	} else {
		escalation, respondErr := h.db.RespondEscalation(r.Context(), claims.TenantID, id, req.Response)
		if respondErr != nil {
			h.writeEscalationError(w, r, respondErr)
			return
		}
		resp = model.RespondEscalationResponse{Escalation: escalation}
	}

	h.recordAuditBestEffort(r, claims.TenantID, claims.OwnerID,
		"escalation_responded", "escalation", id.String(),
		map[string]any{"promoted": promote})

	writeJSON(w, r, http.StatusOK, resp)
}

// HandleDismissEscalation handles POST /v1/escalations/{id}/dismiss.
func (h *Handlers) HandleDismissEscalation(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	escalation, err := h.db.DismissEscalation(r.Context(), claims.TenantID, id)
	if err != nil {
		h.writeEscalationError(w, r, err)
		return
	}

	h.recordAuditBestEffort(r, claims.TenantID, claims.OwnerID,
		"escalation_dismissed", "escalation", id.String(), nil)

	writeJSON(w, r, http.StatusOK, escalation)
}

func (h *Handlers) writeEscalationError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "escalation not found")
	case errors.Is(err, storage.ErrEscalationNotPending):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "escalation is no longer pending")
	default:
		h.writeInternalError(w, r, "escalation update failed", err)
	}
}
