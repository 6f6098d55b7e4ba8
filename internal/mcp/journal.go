package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/akashi/internal/coordinator"
	"github.com/ashita-ai/akashi/internal/model"
	"github.com/ashita-ai/akashi/internal/runtime"
	syncer "github.com/ashita-ai/akashi/internal/sync"
)

// journalTools exposes the seven-agent journal runtime (spec §4.5-§4.7) to
// MCP clients, alongside the decision-audit-trail tools registerTools
// already wires. Kept in a separate RegisterJournalTools method rather than
// folded into New/registerTools, so New builds only the decision-audit-trail
// server; callers that want the journal tools opt in explicitly, the way
// cmd/akashi/main.go does.
type journalTools struct {
	coord  *coordinator.Coordinator
	sync   *syncer.Synchronizer
	logger *slog.Logger
}

// RegisterJournalTools adds journal_check, journal_decide, and
// journal_sync_status to s's MCP tool set. coord and sync must outlive s.
func (s *Server) RegisterJournalTools(coord *coordinator.Coordinator, sync *syncer.Synchronizer) {
	j := &journalTools{coord: coord, sync: sync, logger: s.logger}

	s.mcpServer.AddTool(
		mcplib.NewTool("journal_check",
			mcplib.WithDescription(`Look up precedent for a journal agent before it decides (spec §4.5 "available options").

Returns recent context-memory entries the given agent recorded for the
given action type, so a caller can see what happened last time before
asking the agent to decide again.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("agent_type",
				mcplib.Description("One of: research, submission, editorial, review, quality, production, analytics"),
				mcplib.Required(),
			),
			mcplib.WithString("action_type",
				mcplib.Description("The action type to look up precedent for, e.g. \"assess\", \"decide\", \"validate\"."),
				mcplib.Required(),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of memory entries to return"),
				mcplib.Min(1),
				mcplib.Max(50),
				mcplib.DefaultNumber(10),
			),
		),
		j.handleCheck,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("journal_decide",
			mcplib.WithDescription(`Run one journal agent action through the full decision pipeline (spec §4.5 Execute).

Builds a DecisionContext from the agent's memory/learning/decision
subsystems, makes a proceed/halt decision, executes the agent's
process_task hook, and records the outcome as an experience.`),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("agent_type",
				mcplib.Description("One of: research, submission, editorial, review, quality, production, analytics"),
				mcplib.Required(),
			),
			mcplib.WithString("action_type",
				mcplib.Description("The action type to execute, e.g. \"assess\", \"decide\", \"validate\"."),
				mcplib.Required(),
			),
			mcplib.WithString("input_json",
				mcplib.Description("JSON object of action input fields (e.g. {\"quality_score\":0.8,\"estimated_duration\":60})."),
			),
			mcplib.WithString("expected_output_json",
				mcplib.Description("Optional JSON object of expected output fields, compared per spec §4.5 step 5 to determine success."),
			),
		),
		j.handleDecide,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("journal_sync_status",
			mcplib.WithDescription(`Check or summarize the Synchronizer's reconciliation state for an entity (spec §4.7).

With entity_type and entity_id given, returns that entity's current
SyncRecord. With either omitted, returns the Synchronizer's aggregate
stats and health instead.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("entity_type",
				mcplib.Description("The external-system entity type, e.g. \"manuscript\"."),
			),
			mcplib.WithString("entity_id",
				mcplib.Description("The entity's id within entity_type."),
			),
		),
		j.handleSyncStatus,
	)
}

func (j *journalTools) handleCheck(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	agentType := request.GetString("agent_type", "")
	actionType := request.GetString("action_type", "")
	if agentType == "" || actionType == "" {
		return errorResult("agent_type and action_type are required"), nil
	}
	limit := request.GetInt("limit", 10)

	agent := j.coord.Agent(runtime.AgentType(agentType))
	if agent == nil {
		return errorResult(fmt.Sprintf("no agent registered for type %q", agentType)), nil
	}

	kind := model.MemoryKindContext
	entries, err := agent.Memory().Context.Retrieve(ctx, agent.ID, &kind, 0, limit)
	if err != nil {
		return errorResult(fmt.Sprintf("journal_check: retrieve memory: %v", err)), nil
	}

	var precedent []model.MemoryEntry
	for _, e := range entries {
		if recordedType, _ := e.Content["action_type"].(string); recordedType == actionType {
			precedent = append(precedent, e)
		}
	}

	resp := map[string]any{
		"agent_type":     agentType,
		"action_type":    actionType,
		"has_precedent":  len(precedent) > 0,
		"agent_state":    agent.State(),
		"agent_stats":    agent.Stats(),
		"memory_entries": precedent,
	}
	return jsonResult(resp)
}

func (j *journalTools) handleDecide(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	agentType := request.GetString("agent_type", "")
	actionType := request.GetString("action_type", "")
	if agentType == "" || actionType == "" {
		return errorResult("agent_type and action_type are required"), nil
	}

	input, err := parseJSONObject(request.GetString("input_json", ""))
	if err != nil {
		return errorResult(fmt.Sprintf("input_json: %v", err)), nil
	}
	expected, err := parseJSONObject(request.GetString("expected_output_json", ""))
	if err != nil {
		return errorResult(fmt.Sprintf("expected_output_json: %v", err)), nil
	}

	agent := j.coord.Agent(runtime.AgentType(agentType))
	if agent == nil {
		return errorResult(fmt.Sprintf("no agent registered for type %q", agentType)), nil
	}

	result, err := agent.Execute(ctx, runtime.Action{
		ID:             agentType + ":" + actionType,
		Type:           actionType,
		Input:          input,
		ExpectedOutput: expected,
		Priority:       0.5,
	})
	if err != nil {
		j.logger.Warn("mcp: journal_decide failed", "agent_type", agentType, "action_type", actionType, "error", err)
		return errorResult(fmt.Sprintf("journal_decide: %v", err)), nil
	}
	return jsonResult(result)
}

func (j *journalTools) handleSyncStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	entityType := request.GetString("entity_type", "")
	entityID := request.GetString("entity_id", "")

	if entityType == "" || entityID == "" {
		stats, err := j.sync.Stats(ctx)
		if err != nil {
			return errorResult(fmt.Sprintf("journal_sync_status: stats: %v", err)), nil
		}
		return jsonResult(map[string]any{"stats": stats, "health": j.sync.Health()})
	}

	record, err := j.sync.GetStatus(ctx, entityType, entityID)
	if err != nil {
		return errorResult(fmt.Sprintf("journal_sync_status: %v", err)), nil
	}
	if record == nil {
		return jsonResult(map[string]any{"entity_type": entityType, "entity_id": entityID, "status": "never_synced"})
	}
	return jsonResult(record)
}

func parseJSONObject(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}
