package server

import (
	"net/http"

	"github.com/ashita-ai/akashi/internal/model"
)

// HandleGetAgent handles GET /v1/agents/{agent_id} (admin-only).
func (h *Handlers) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	orgID := OrgIDFromContext(r.Context())
	agentID := r.PathValue("agent_id")

	agent, err := h.db.GetAgentByAgentID(r.Context(), orgID, agentID)
	if err != nil {
		if isNotFoundError(err) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent not found")
			return
		}
		h.writeInternalError(w, r, "failed to get agent", err)
		return
	}

	writeJSON(w, r, http.StatusOK, agent)
}

// HandleUpdateAgent handles PATCH /v1/agents/{agent_id} (admin-only).
func (h *Handlers) HandleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	orgID := OrgIDFromContext(r.Context())
	agentID := r.PathValue("agent_id")
	if err := model.ValidateAgentID(agentID); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.UpdateAgentRequest
	if err := decodeJSON(r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	audit := h.buildAuditEntry(r, orgID, "update_agent", "agent", agentID, nil, nil, nil)
	agent, err := h.db.UpdateAgentWithAudit(r.Context(), orgID, agentID, req.Name, req.Metadata, audit)
	if err != nil {
		if isNotFoundError(err) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent not found")
			return
		}
		h.writeInternalError(w, r, "failed to update agent", err)
		return
	}

	writeJSON(w, r, http.StatusOK, agent)
}

// HandleAgentStats handles GET /v1/agents/{agent_id}/stats (admin-only).
func (h *Handlers) HandleAgentStats(w http.ResponseWriter, r *http.Request) {
	orgID := OrgIDFromContext(r.Context())
	agentID := r.PathValue("agent_id")

	stats, err := h.db.GetAgentStats(r.Context(), orgID, agentID)
	if err != nil {
		h.writeInternalError(w, r, "failed to get agent stats", err)
		return
	}

	writeJSON(w, r, http.StatusOK, stats)
}
