package server

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/ashita-ai/akashi/internal/integrity"
	"github.com/ashita-ai/akashi/internal/model"
	"github.com/ashita-ai/akashi/internal/storage"
)

// HandleGetDecision handles GET /v1/decisions/{id}.
func (h *Handlers) HandleGetDecision(w http.ResponseWriter, r *http.Request) {
	orgID := OrgIDFromContext(r.Context())
	claims := ClaimsFromContext(r.Context())

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid decision id")
		return
	}

	decision, err := h.db.GetDecision(r.Context(), orgID, id, storage.GetDecisionOpts{IncludeAlts: true, IncludeEvidence: true})
	if err != nil {
		if isNotFoundError(err) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "decision not found")
			return
		}
		h.writeInternalError(w, r, "failed to get decision", err)
		return
	}

	ok, err := canAccessAgent(r.Context(), h.db, claims, decision.AgentID)
	if err != nil {
		h.writeInternalError(w, r, "authorization check failed", err)
		return
	}
	if !ok {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "no access to this decision")
		return
	}

	writeJSON(w, r, http.StatusOK, decision)
}

// HandleDecisionRevisions handles GET /v1/decisions/{id}/revisions.
func (h *Handlers) HandleDecisionRevisions(w http.ResponseWriter, r *http.Request) {
	orgID := OrgIDFromContext(r.Context())
	claims := ClaimsFromContext(r.Context())

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid decision id")
		return
	}

	revisions, err := h.db.GetDecisionRevisions(r.Context(), orgID, id)
	if err != nil {
		h.writeInternalError(w, r, "failed to get decision revisions", err)
		return
	}

	revisions, err = filterDecisionsByAccess(r.Context(), h.db, claims, revisions)
	if err != nil {
		h.writeInternalError(w, r, "authorization check failed", err)
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"decision_id": id,
		"revisions":   revisions,
	})
}

// HandleDecisionConflicts handles GET /v1/decisions/{id}/conflicts.
func (h *Handlers) HandleDecisionConflicts(w http.ResponseWriter, r *http.Request) {
	orgID := OrgIDFromContext(r.Context())
	claims := ClaimsFromContext(r.Context())

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid decision id")
		return
	}

	conflicts, err := h.db.GetConflictsByDecision(r.Context(), orgID, id)
	if err != nil {
		h.writeInternalError(w, r, "failed to get decision conflicts", err)
		return
	}

	conflicts, err = filterConflictsByAccess(r.Context(), h.db, claims, conflicts)
	if err != nil {
		h.writeInternalError(w, r, "authorization check failed", err)
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"decision_id": id,
		"conflicts":   conflicts,
	})
}

// HandleVerifyDecision handles GET /v1/verify/{id}.
// Recomputes the decision's content hash and reports whether it matches the
// stored hash, detecting tampering of the audit trail.
func (h *Handlers) HandleVerifyDecision(w http.ResponseWriter, r *http.Request) {
	orgID := OrgIDFromContext(r.Context())
	claims := ClaimsFromContext(r.Context())

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid decision id")
		return
	}

	decision, err := h.db.GetDecision(r.Context(), orgID, id, storage.GetDecisionOpts{})
	if err != nil {
		if isNotFoundError(err) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "decision not found")
			return
		}
		h.writeInternalError(w, r, "failed to get decision", err)
		return
	}

	ok, err := canAccessAgent(r.Context(), h.db, claims, decision.AgentID)
	if err != nil {
		h.writeInternalError(w, r, "authorization check failed", err)
		return
	}
	if !ok {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "no access to this decision")
		return
	}

	valid := integrity.VerifyContentHash(decision.ContentHash, decision.ID, decision.DecisionType,
		decision.Outcome, decision.Confidence, decision.Reasoning, decision.ValidFrom)

	writeJSON(w, r, http.StatusOK, map[string]any{
		"decision_id": id,
		"valid":       valid,
		"content_hash": decision.ContentHash,
	})
}

// HandleSessionView handles GET /v1/sessions/{session_id}.
func (h *Handlers) HandleSessionView(w http.ResponseWriter, r *http.Request) {
	orgID := OrgIDFromContext(r.Context())
	claims := ClaimsFromContext(r.Context())

	sessionID, err := uuid.Parse(r.PathValue("session_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid session_id")
		return
	}

	decisions, err := h.db.GetSessionDecisions(r.Context(), orgID, sessionID)
	if err != nil {
		h.writeInternalError(w, r, "failed to get session decisions", err)
		return
	}

	decisions, err = filterDecisionsByAccess(r.Context(), h.db, claims, decisions)
	if err != nil {
		h.writeInternalError(w, r, "authorization check failed", err)
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"decisions":  decisions,
	})
}

// HandleTraceHealth handles GET /v1/trace-health (admin-only).
// Reports the in-memory event buffer's backpressure state.
func (h *Handlers) HandleTraceHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"buffer_length":   h.buffer.Len(),
		"buffer_capacity": h.buffer.Capacity(),
		"dropped_events":  h.buffer.DroppedEvents(),
		"wal_enabled":     h.buffer.HasWAL(),
	})
}

// resolveConflictRequest is the body for POST /v1/conflicts/{id}/resolve.
type resolveConflictRequest struct {
	ResolutionDecisionID uuid.UUID `json:"resolution_decision_id"`
	ResolutionNote       *string   `json:"resolution_note,omitempty"`
}

// HandleResolveConflict handles POST /v1/conflicts/{id}/resolve.
func (h *Handlers) HandleResolveConflict(w http.ResponseWriter, r *http.Request) {
	orgID := OrgIDFromContext(r.Context())
	claims := ClaimsFromContext(r.Context())

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid conflict id")
		return
	}

	var req resolveConflictRequest
	if err := decodeJSON(r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.ResolutionDecisionID == uuid.Nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "resolution_decision_id is required")
		return
	}

	resolvedBy := claims.AgentID
	if resolvedBy == "" {
		resolvedBy = claims.Subject
	}

	if err := h.db.ResolveConflictWithDecision(r.Context(), id, orgID, req.ResolutionDecisionID, resolvedBy, req.ResolutionNote); err != nil {
		if isNotFoundError(err) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "conflict not found")
			return
		}
		h.writeInternalError(w, r, "failed to resolve conflict", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// patchConflictRequest is the body for PATCH /v1/conflicts/{id}.
type patchConflictRequest struct {
	Status         string  `json:"status"`
	ResolutionNote *string `json:"resolution_note,omitempty"`
}

// HandlePatchConflict handles PATCH /v1/conflicts/{id}.
// Updates conflict status without attaching a resolving decision (e.g.
// acknowledging or marking a conflict as won't-fix).
func (h *Handlers) HandlePatchConflict(w http.ResponseWriter, r *http.Request) {
	orgID := OrgIDFromContext(r.Context())
	claims := ClaimsFromContext(r.Context())

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid conflict id")
		return
	}

	var req patchConflictRequest
	if err := decodeJSON(r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	validStatuses := map[string]bool{"acknowledged": true, "resolved": true, "wont_fix": true, "open": true}
	if !validStatuses[req.Status] {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"status must be one of open, acknowledged, resolved, wont_fix")
		return
	}

	resolvedBy := claims.AgentID
	if resolvedBy == "" {
		resolvedBy = claims.Subject
	}

	if err := h.db.UpdateConflictStatus(r.Context(), id, orgID, req.Status, resolvedBy, req.ResolutionNote); err != nil {
		if isNotFoundError(err) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "conflict not found")
			return
		}
		h.writeInternalError(w, r, "failed to update conflict", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
