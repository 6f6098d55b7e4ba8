package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/ashita-ai/akashi/internal/runtime"
)

// WorkflowKind names one of the three fixed DAGs of spec §4.6.
type WorkflowKind string

const (
	WorkflowManuscriptProcessing WorkflowKind = "manuscript_processing"
	WorkflowResearchDiscovery    WorkflowKind = "research_discovery"
	WorkflowPublicationProduction WorkflowKind = "publication_production"
)

// StepResult records one workflow step's outcome.
type StepResult struct {
	Success       bool          `json:"success"`
	ExecutionTime time.Duration `json:"execution_time"`
	AgentType     runtime.AgentType `json:"agent_type"`
	ActionType    string        `json:"action_type"`
	Result        map[string]any `json:"result,omitempty"`
	Error         string        `json:"error,omitempty"`
}

// WorkflowResult is RunWorkflow's return value: every executed step (skipped
// steps are omitted entirely, not recorded as failed) plus the aggregate time.
type WorkflowResult struct {
	Kind          WorkflowKind  `json:"kind"`
	Status        string        `json:"status"`
	Steps         []StepResult  `json:"steps"`
	ExecutionTime time.Duration `json:"execution_time"`
}

// step is one DAG node: which agent type runs it, what action type it maps
// to, and an optional gate consulted against the previous step's result —
// when the gate returns false, this step and the remainder of the DAG are
// skipped.
type step struct {
	agentType  runtime.AgentType
	actionType string
	gate       func(previous map[string]any) bool
	// alwaysRun, when true, still executes this step even if an earlier
	// gate skipped the rest of the DAG (manuscript_processing's "Analytics
	// always runs last" — spec §4.6).
	alwaysRun bool
}

// RunWorkflow executes the named fixed DAG over data, chaining each step's
// result into the next step's input (spec §4.6).
func (c *Coordinator) RunWorkflow(ctx context.Context, kind WorkflowKind, data map[string]any) (WorkflowResult, error) {
	steps, err := dagFor(kind)
	if err != nil {
		return WorkflowResult{}, err
	}

	result := WorkflowResult{Kind: kind, Status: "completed"}
	input := data
	var previous map[string]any
	skippedRemainder := false

	for _, s := range steps {
		if skippedRemainder && !s.alwaysRun {
			continue
		}
		if s.gate != nil && !s.gate(previous) {
			skippedRemainder = true
			if !s.alwaysRun {
				continue
			}
		}

		agent, agentErr := c.agentOrErr(s.agentType)
		if agentErr != nil {
			return WorkflowResult{}, agentErr
		}

		profile := c.profiles[s.agentType]
		stepInput := mergeInput(input, previous)

		started := time.Now()
		action := runtime.Action{ID: fmt.Sprintf("%s:%s", kind, s.actionType), Type: s.actionType, Input: stepInput}
		execResult, execErr := agent.Execute(ctx, action)
		elapsed := time.Since(started)

		stepResult := StepResult{
			ExecutionTime: elapsed,
			AgentType:     s.agentType,
			ActionType:    s.actionType,
			Success:       execErr == nil && execResult.Success,
		}
		if execErr != nil {
			stepResult.Error = execErr.Error()
		} else {
			stepResult.Result = execResult.Output
			previous = execResult.Output
		}
		result.Steps = append(result.Steps, stepResult)
		result.ExecutionTime += elapsed

		c.fireTriggers(profile, s.actionType, stepInput)
	}

	return result, nil
}

func mergeInput(base, previous map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(previous)+1)
	for k, v := range base {
		merged[k] = v
	}
	if previous != nil {
		merged["previous_result"] = previous
	}
	return merged
}

func dagFor(kind WorkflowKind) ([]step, error) {
	switch kind {
	case WorkflowManuscriptProcessing:
		return []step{
			{agentType: runtime.AgentSubmission, actionType: "assess"},
			{agentType: runtime.AgentEditorial, actionType: "decide", gate: qualityGate},
			{agentType: runtime.AgentReview, actionType: "assign_reviewers", gate: acceptedGate},
			{agentType: runtime.AgentQuality, actionType: "validate"},
			{agentType: runtime.AgentProduction, actionType: "produce", gate: approvedGate},
			{agentType: runtime.AgentAnalytics, actionType: "generate_insights", alwaysRun: true},
		}, nil
	case WorkflowResearchDiscovery:
		return []step{
			{agentType: runtime.AgentResearch, actionType: "discover"},
			{agentType: runtime.AgentResearch, actionType: "analyze_trends"},
			{agentType: runtime.AgentAnalytics, actionType: "generate_insights"},
		}, nil
	case WorkflowPublicationProduction:
		return []step{
			{agentType: runtime.AgentProduction, actionType: "produce"},
			{agentType: runtime.AgentProduction, actionType: "distribute"},
			{agentType: runtime.AgentAnalytics, actionType: "analyze_performance"},
		}, nil
	default:
		return nil, fmt.Errorf("coordinator: unknown workflow kind %q", kind)
	}
}

// qualityGate proceeds only if Submission's quality_score clears the bar
// below which the remainder of the manuscript_processing DAG (short of
// Analytics) is skipped (spec §4.6, "quality score <= 0.6").
func qualityGate(previous map[string]any) bool {
	if previous == nil {
		return true
	}
	score, ok := previous["quality_score"].(float64)
	return !ok || score > 0.6
}

// acceptedGate proceeds only if the editorial decision step accepted the manuscript.
func acceptedGate(previous map[string]any) bool {
	if previous == nil {
		return true
	}
	accept, ok := previous["accept"].(bool)
	return !ok || accept
}

// approvedGate proceeds only if the quality validation step approved the
// manuscript; it guards the Production step.
func approvedGate(previous map[string]any) bool {
	if previous == nil {
		return true
	}
	approved, ok := previous["approved"].(bool)
	return !ok || approved
}
