package server

import (
	"net/http"

	"github.com/ashita-ai/kagami/internal/model"
)

// HandleTrainingStart handles POST /v1/twins/{twin_id}/training/start.
// Starting twice is a no-op that returns the already-active session.
func (h *Handlers) HandleTrainingStart(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	twinID, err := pathUUID(r, "twin_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if _, err := h.db.GetTwin(r.Context(), claims.TenantID, twinID); err != nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "twin not found")
		return
	}

	session, err := h.trainingMgr.Start(r.Context(), claims.TenantID, twinID, claims.OwnerID)
	if err != nil {
		h.writeInternalError(w, r, "failed to start training session", err)
		return
	}

	h.recordAuditBestEffort(r, claims.TenantID, claims.OwnerID,
		"training_started", "training_session", session.ID.String(),
		map[string]any{"twin_id": twinID.String()})

	writeJSON(w, r, http.StatusOK, model.TrainingSessionResponse{
		Session: &session,
		Active:  true,
	})
}

// HandleTrainingStop handles POST /v1/twins/{twin_id}/training/stop.
// Stopping with no active session succeeds and reports Active=false.
func (h *Handlers) HandleTrainingStop(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	twinID, err := pathUUID(r, "twin_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	session, stopped, err := h.trainingMgr.Stop(r.Context(), claims.TenantID, twinID, claims.OwnerID)
	if err != nil {
		h.writeInternalError(w, r, "failed to stop training session", err)
		return
	}
	if !stopped {
		writeJSON(w, r, http.StatusOK, model.TrainingSessionResponse{Active: false})
		return
	}

	h.recordAuditBestEffort(r, claims.TenantID, claims.OwnerID,
		"training_stopped", "training_session", session.ID.String(),
		map[string]any{"twin_id": twinID.String()})

	writeJSON(w, r, http.StatusOK, model.TrainingSessionResponse{
		Session: &session,
		Active:  false,
	})
}
