package runtime

import (
	"context"
	"fmt"

	"github.com/ashita-ai/akashi/internal/decision"
	"github.com/ashita-ai/akashi/internal/storage"
)

// Processor is the per-agent-type hook Agent.Execute invokes to carry out
// the option chosen by the DecisionEngine (spec §4.5 step 4). Each agent
// type's Processor knows how to interpret its own action types; an
// unrecognized action type is a ValidationError-shaped failure the caller
// surfaces as Result.Success == false.
type Processor interface {
	ProcessTask(ctx context.Context, action Action, decisionResult decision.Result) (map[string]any, error)
}

// ResearchProcessor discovers candidate topics and analyzes trends over
// them, feeding the research_discovery workflow (spec §4.6).
type ResearchProcessor struct{}

func (ResearchProcessor) ProcessTask(_ context.Context, action Action, _ decision.Result) (map[string]any, error) {
	switch action.Type {
	case "discover":
		return map[string]any{"action": "discover", "candidates_found": 0}, nil
	case "analyze_trends":
		return map[string]any{"action": "analyze_trends", "trends": []string{}}, nil
	default:
		return nil, fmt.Errorf("runtime: research agent: unknown action type %q", action.Type)
	}
}

// SubmissionProcessor assesses incoming manuscripts, the entry point of
// manuscript_processing.
type SubmissionProcessor struct{}

func (SubmissionProcessor) ProcessTask(_ context.Context, action Action, _ decision.Result) (map[string]any, error) {
	if action.Type != "assess" {
		return nil, fmt.Errorf("runtime: submission agent: unknown action type %q", action.Type)
	}
	return map[string]any{"action": "assess", "assessment": "pending"}, nil
}

// EditorialProcessor decides whether an assessed manuscript proceeds.
type EditorialProcessor struct{}

func (EditorialProcessor) ProcessTask(_ context.Context, action Action, decisionResult decision.Result) (map[string]any, error) {
	if action.Type != "decide" {
		return nil, fmt.Errorf("runtime: editorial agent: unknown action type %q", action.Type)
	}
	return map[string]any{"action": "decide", "accept": decisionResult.CanProceed}, nil
}

// ReviewProcessor assigns reviewers to an accepted manuscript.
type ReviewProcessor struct{}

func (ReviewProcessor) ProcessTask(_ context.Context, action Action, _ decision.Result) (map[string]any, error) {
	if action.Type != "assign_reviewers" {
		return nil, fmt.Errorf("runtime: review agent: unknown action type %q", action.Type)
	}
	return map[string]any{"action": "assign_reviewers", "reviewers": []string{}}, nil
}

// QualityProcessor validates a reviewed manuscript, gating production.
type QualityProcessor struct{}

func (QualityProcessor) ProcessTask(_ context.Context, action Action, _ decision.Result) (map[string]any, error) {
	if action.Type != "validate" {
		return nil, fmt.Errorf("runtime: quality agent: unknown action type %q", action.Type)
	}
	score, _ := action.Input["quality_score"].(float64)
	return map[string]any{"action": "validate", "approved": score > 0.6, "quality_score": score}, nil
}

// ProductionProcessor produces and distributes an approved manuscript.
type ProductionProcessor struct{}

func (ProductionProcessor) ProcessTask(_ context.Context, action Action, _ decision.Result) (map[string]any, error) {
	switch action.Type {
	case "produce":
		return map[string]any{"action": "produce", "produced": true}, nil
	case "distribute":
		return map[string]any{"action": "distribute", "distributed": true}, nil
	default:
		return nil, fmt.Errorf("runtime: production agent: unknown action type %q", action.Type)
	}
}

// AnalyticsProcessor generates the insights and performance summaries every
// workflow ends on (spec §4.6). Its findings are persisted as
// strategic_analysis rows, not as a coordinator-visible agent type of their
// own (see decided Open Question in the design ledger).
type AnalyticsProcessor struct {
	db      *storage.DB
	agentID string
}

// NewAnalyticsProcessor builds an AnalyticsProcessor that records its
// findings under agentID, the id of the single analytics Agent it is
// attached to.
func NewAnalyticsProcessor(db *storage.DB, agentID string) *AnalyticsProcessor {
	return &AnalyticsProcessor{db: db, agentID: agentID}
}

func (p *AnalyticsProcessor) ProcessTask(ctx context.Context, action Action, _ decision.Result) (map[string]any, error) {
	var subject string
	var output map[string]any

	switch action.Type {
	case "generate_insights":
		subject = "insights"
		output = map[string]any{"action": "generate_insights", "insights": []string{}}
	case "analyze_performance":
		subject = "performance"
		output = map[string]any{"action": "analyze_performance", "metrics": map[string]any{}}
	default:
		subject = action.Type
		output = map[string]any{"action": action.Type, "analysis": "completed"}
	}

	if p.db != nil {
		if _, err := p.db.RecordStrategicAnalysis(ctx, storage.StrategicAnalysis{
			AgentID:  p.agentID,
			Subject:  subject,
			Findings: output,
		}); err != nil {
			return nil, fmt.Errorf("runtime: analytics agent: record strategic analysis: %w", err)
		}
	}

	return output, nil
}
