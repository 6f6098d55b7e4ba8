package server

import (
	"net/http"

	"github.com/ashita-ai/akashi/internal/model"
	"github.com/ashita-ai/akashi/internal/service/decisions"
	"github.com/ashita-ai/akashi/internal/storage"
)

// HandleTrace handles POST /v1/trace (convenience endpoint).
func (h *Handlers) HandleTrace(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	orgID := OrgIDFromContext(r.Context())

	var req model.TraceRequest
	if err := decodeJSON(r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	if !model.RoleAtLeast(claims.Role, model.RoleAdmin) && req.AgentID != claims.AgentID {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "can only trace for your own agent_id")
		return
	}

	idem, proceed := h.beginIdempotentWrite(w, r, orgID, req.AgentID, "POST:/v1/trace", req)
	if !proceed {
		return
	}

	result, err := h.decisionSvc.Trace(r.Context(), orgID, decisions.TraceInput{
		AgentID:      req.AgentID,
		TraceID:      req.TraceID,
		Metadata:     req.Metadata,
		Decision:     req.Decision,
		PrecedentRef: req.PrecedentRef,
		AgentContext: req.Context,
	})
	if err != nil {
		h.clearIdempotentWrite(r, orgID, idem)
		h.writeInternalError(w, r, "failed to record trace", err)
		return
	}

	resp := map[string]any{
		"run_id":      result.RunID,
		"decision_id": result.DecisionID,
		"event_count": result.EventCount,
	}
	if err := h.recordMutationAudit(r, orgID, "trace", "decision", result.DecisionID.String(), nil, resp,
		map[string]any{"agent_id": req.AgentID}); err != nil {
		h.logger.Error("failed to record mutation audit after committed trace",
			"error", err, "decision_id", result.DecisionID, "org_id", orgID)
	}

	h.completeIdempotentWriteBestEffort(r, orgID, idem, http.StatusCreated, resp)
	writeJSON(w, r, http.StatusCreated, resp)
}

// HandleQuery handles POST /v1/query.
func (h *Handlers) HandleQuery(w http.ResponseWriter, r *http.Request) {
	orgID := OrgIDFromContext(r.Context())

	var req model.QueryRequest
	if err := decodeJSON(r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	decs, total, err := h.decisionSvc.Query(r.Context(), orgID, req)
	if err != nil {
		h.writeInternalError(w, r, "query failed", err)
		return
	}

	claims := ClaimsFromContext(r.Context())
	decs, err = filterDecisionsByAccess(r.Context(), h.db, claims, decs)
	if err != nil {
		h.writeInternalError(w, r, "authorization check failed", err)
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"decisions": decs,
		"total":     total,
		"limit":     req.Limit,
		"offset":    req.Offset,
	})
}

// HandleTemporalQuery handles POST /v1/query/temporal.
func (h *Handlers) HandleTemporalQuery(w http.ResponseWriter, r *http.Request) {
	orgID := OrgIDFromContext(r.Context())

	var req model.TemporalQueryRequest
	if err := decodeJSON(r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	decs, err := h.decisionSvc.QueryTemporal(r.Context(), orgID, req)
	if err != nil {
		h.writeInternalError(w, r, "temporal query failed", err)
		return
	}

	claims := ClaimsFromContext(r.Context())
	decs, err = filterDecisionsByAccess(r.Context(), h.db, claims, decs)
	if err != nil {
		h.writeInternalError(w, r, "authorization check failed", err)
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"as_of":     req.AsOf,
		"decisions": decs,
	})
}

// HandleAgentHistory handles GET /v1/agents/{agent_id}/history.
func (h *Handlers) HandleAgentHistory(w http.ResponseWriter, r *http.Request) {
	orgID := OrgIDFromContext(r.Context())
	claims := ClaimsFromContext(r.Context())

	agentID := r.PathValue("agent_id")
	if agentID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "agent_id is required")
		return
	}

	ok, err := canAccessAgent(r.Context(), h.db, claims, agentID)
	if err != nil {
		h.writeInternalError(w, r, "authorization check failed", err)
		return
	}
	if !ok {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "no access to this agent's history")
		return
	}

	limit := queryLimit(r, 50)
	offset := queryOffset(r)
	from := queryTime(r, "from")
	to := queryTime(r, "to")

	decs, total, err := h.db.GetDecisionsByAgent(r.Context(), orgID, agentID, limit, offset, from, to)
	if err != nil {
		h.writeInternalError(w, r, "failed to get history", err)
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"agent_id":  agentID,
		"decisions": decs,
		"total":     total,
		"limit":     limit,
		"offset":    offset,
	})
}

// HandleSearch handles POST /v1/search.
func (h *Handlers) HandleSearch(w http.ResponseWriter, r *http.Request) {
	orgID := OrgIDFromContext(r.Context())

	var req model.SearchRequest
	if err := decodeJSON(r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	if req.Query == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "query is required")
		return
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 20
	}

	results, err := h.decisionSvc.Search(r.Context(), orgID, req.Query, true, req.Filters, limit)
	if err != nil {
		h.writeInternalError(w, r, "search failed", err)
		return
	}

	claims := ClaimsFromContext(r.Context())
	results, err = filterSearchResultsByAccess(r.Context(), h.db, claims, results)
	if err != nil {
		h.writeInternalError(w, r, "authorization check failed", err)
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"results": results,
		"total":   len(results),
	})
}

// HandleCheck handles POST /v1/check.
// It performs a lightweight precedent lookup: if a semantic query is provided,
// it searches by embedding similarity; otherwise it does a structured query
// by decision_type. Conflicts for the decision type are always included.
func (h *Handlers) HandleCheck(w http.ResponseWriter, r *http.Request) {
	orgID := OrgIDFromContext(r.Context())

	var req model.CheckRequest
	if err := decodeJSON(r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	if req.DecisionType == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "decision_type is required")
		return
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 5
	}

	resp, err := h.decisionSvc.Check(r.Context(), orgID, req.DecisionType, req.Query, req.AgentID, limit)
	if err != nil {
		h.writeInternalError(w, r, "check failed", err)
		return
	}

	writeJSON(w, r, http.StatusOK, resp)
}

// HandleDecisionsRecent handles GET /v1/decisions/recent.
// It returns recent decisions with optional filters for agent_id, decision_type, and limit.
func (h *Handlers) HandleDecisionsRecent(w http.ResponseWriter, r *http.Request) {
	orgID := OrgIDFromContext(r.Context())
	limit := queryLimit(r, 10)

	filters := model.QueryFilters{}
	if agentID := r.URL.Query().Get("agent_id"); agentID != "" {
		filters.AgentIDs = []string{agentID}
	}
	if dt := r.URL.Query().Get("decision_type"); dt != "" {
		filters.DecisionType = &dt
	}

	decs, total, err := h.decisionSvc.Recent(r.Context(), orgID, filters, limit, 0)
	if err != nil {
		h.writeInternalError(w, r, "query failed", err)
		return
	}

	claims := ClaimsFromContext(r.Context())
	decs, err = filterDecisionsByAccess(r.Context(), h.db, claims, decs)
	if err != nil {
		h.writeInternalError(w, r, "authorization check failed", err)
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"decisions": decs,
		"total":     total,
		"limit":     limit,
	})
}

// HandleListConflicts handles GET /v1/conflicts.
func (h *Handlers) HandleListConflicts(w http.ResponseWriter, r *http.Request) {
	orgID := OrgIDFromContext(r.Context())
	claims := ClaimsFromContext(r.Context())

	var filters storage.ConflictFilters
	if dt := r.URL.Query().Get("decision_type"); dt != "" {
		filters.DecisionType = &dt
	}
	if agentID := r.URL.Query().Get("agent_id"); agentID != "" {
		filters.AgentID = &agentID
	}
	limit := queryLimit(r, 50)
	offset := queryOffset(r)

	conflicts, err := h.db.ListConflicts(r.Context(), orgID, filters, limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list conflicts", err)
		return
	}

	conflicts, err = filterConflictsByAccess(r.Context(), h.db, claims, conflicts)
	if err != nil {
		h.writeInternalError(w, r, "authorization check failed", err)
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"conflicts": conflicts,
		"total":     len(conflicts),
	})
}
