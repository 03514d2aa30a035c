package server

import (
	"errors"
	"net/http"

	"github.com/ashita-ai/kagami/internal/auth"
	"github.com/ashita-ai/kagami/internal/model"
	"github.com/ashita-ai/kagami/internal/storage"
)

// HandleCreateShareLink handles POST /v1/twins/{twin_id}/share-links. The
// plaintext token appears only in this response; the database keeps its hash.
func (h *Handlers) HandleCreateShareLink(w http.ResponseWriter, r *http.Request) {
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

	token, hash, err := auth.NewShareToken()
	if err != nil {
		h.writeInternalError(w, r, "failed to generate share token", err)
		return
	}

	link, err := h.db.CreateShareLink(r.Context(), model.ShareLink{
		TenantID:  claims.TenantID,
		TwinID:    twinID,
		TokenHash: hash,
	})
	if err != nil {
		h.writeInternalError(w, r, "failed to create share link", err)
		return
	}

	h.recordAuditBestEffort(r, claims.TenantID, claims.OwnerID,
		"share_link_created", "share_link", link.ID.String(),
		map[string]any{"twin_id": twinID.String()})

	writeJSON(w, r, http.StatusCreated, model.CreateShareLinkResponse{
		Link:  link,
		Token: token,
	})
}

// HandleListShareLinks handles GET /v1/twins/{twin_id}/share-links.
func (h *Handlers) HandleListShareLinks(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	twinID, err := pathUUID(r, "twin_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	links, err := h.db.ListShareLinks(r.Context(), claims.TenantID, twinID)
	if err != nil {
		h.writeInternalError(w, r, "failed to list share links", err)
		return
	}
	if links == nil {
		links = []model.ShareLink{}
	}
	writeJSON(w, r, http.StatusOK, model.ShareLinkListResponse{Links: links})
}

// HandleRevokeShareLink handles DELETE /v1/share-links/{id}. Revocation takes
// effect on the next request carrying the token.
func (h *Handlers) HandleRevokeShareLink(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if err := h.db.RevokeShareLink(r.Context(), claims.TenantID, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "share link not found")
			return
		}
		h.writeInternalError(w, r, "failed to revoke share link", err)
		return
	}

	h.recordAuditBestEffort(r, claims.TenantID, claims.OwnerID,
		"share_link_revoked", "share_link", id.String(), nil)

	w.WriteHeader(http.StatusNoContent)
}
