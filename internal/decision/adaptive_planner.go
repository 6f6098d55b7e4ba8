package decision

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ashita-ai/akashi/internal/model"
	"github.com/ashita-ai/akashi/internal/storage"
)

// AdaptivePlanner builds and revises Plans for an agent's goals.
type AdaptivePlanner struct {
	mu      sync.Mutex
	db      *storage.DB
	agentID string
}

// NewAdaptivePlanner builds an AdaptivePlanner scoped to one agent.
func NewAdaptivePlanner(db *storage.DB, agentID string) *AdaptivePlanner {
	return &AdaptivePlanner{db: db, agentID: agentID}
}

// Create builds a Plan for goal given the agent's active constraints and
// current risk assessment, and persists it.
func (p *AdaptivePlanner) Create(ctx context.Context, goal model.Goal, constraints []model.Constraint, risk model.RiskAssessment) (uuid.UUID, error) {
	steps := buildSteps(goal)

	plan := model.Plan{
		AgentID:             p.agentID,
		GoalID:              goal.ID,
		Description:         fmt.Sprintf("Plan for goal: %s", goal.Description),
		Steps:               steps,
		SuccessProbability:  successProbability(goal, constraints, risk),
		Contingencies:       contingenciesFor(risk),
		Status:              model.PlanDraft,
	}
	plan.ResourceRequirements = plan.MaxResources()

	p.mu.Lock()
	defer p.mu.Unlock()
	stored, err := p.db.CreatePlan(ctx, plan)
	if err != nil {
		return uuid.Nil, fmt.Errorf("decision: create plan: %w", err)
	}
	return stored.ID, nil
}

// buildSteps generates an analysis step, a goal-keyword-driven stage, and a
// validation step (spec §4.4).
func buildSteps(goal model.Goal) []model.PlanStep {
	description := strings.ToLower(goal.Description)

	stage := model.PlanStep{
		Number:      2,
		Description: "Execute planned work",
		ActionType:  "execute",
		DurationEst: 30,
	}
	switch {
	case strings.Contains(description, "research"):
		stage.Description = "Conduct research"
		stage.ActionType = "research"
		stage.DurationEst = 60
	case strings.Contains(description, "review"):
		stage.Description = "Conduct review"
		stage.ActionType = "review"
		stage.DurationEst = 45
	}

	return []model.PlanStep{
		{Number: 1, Description: "Analyze requirements", ActionType: "analysis", DurationEst: 10},
		stage,
		{Number: 3, Description: "Validate outcome", ActionType: "validation", DurationEst: 10},
	}
}

// successProbability starts at 0.8 and is penalized per spec §4.4: 0.1 per
// critical-goal indicator, 0.05 per strict constraint, 0.3*overall risk.
func successProbability(goal model.Goal, constraints []model.Constraint, risk model.RiskAssessment) float64 {
	prob := 0.8
	if goal.Priority == model.GoalPriorityCritical {
		prob -= 0.1
	}
	for _, c := range constraints {
		if c.Strict {
			prob -= 0.05
		}
	}
	prob -= 0.3 * risk.OverallScore
	if prob < 0 {
		return 0
	}
	if prob > 1 {
		return 1
	}
	return prob
}

// contingenciesFor generates one contingency per high-scoring active risk,
// plus a default fallback (spec §4.4).
func contingenciesFor(risk model.RiskAssessment) []string {
	contingencies := make([]string, 0, len(risk.ActiveRisks)+1)
	for _, r := range risk.ActiveRisks {
		if r.Score() > 0.6 {
			contingencies = append(contingencies, fmt.Sprintf("If %q materializes, invoke its mitigations and escalate.", r.Description))
		}
	}
	contingencies = append(contingencies, "If the plan stalls or fails validation, escalate to the owning agent for manual review.")
	return contingencies
}

// Adapt revises a persisted plan in response to feedback and reports
// whether anything changed.
func (p *AdaptivePlanner) Adapt(ctx context.Context, planID uuid.UUID, feedback model.PlanFeedback) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	plan, err := p.db.GetPlan(ctx, planID)
	if err != nil {
		return false, fmt.Errorf("decision: adapt plan: %w", err)
	}

	changed := false
	if feedback.TimeRatio > 1.2 {
		for i := range plan.Steps {
			plan.Steps[i].DurationEst *= 1.3
		}
		changed = true
	}
	if feedback.ResourceUtilization > 0.9 {
		for resource, amount := range plan.ResourceRequirements {
			plan.ResourceRequirements[resource] = amount * 1.2
		}
		changed = true
	}
	if feedback.QualityScore > 0 && feedback.QualityScore < 0.6 {
		plan.Steps = append(plan.Steps, model.PlanStep{
			Number:      len(plan.Steps) + 1,
			Description: "Additional quality check",
			ActionType:  "quality_check",
			DurationEst: 15,
		})
		changed = true
	}

	if !changed {
		return false, nil
	}
	if err := p.db.UpdatePlan(ctx, plan); err != nil {
		return false, fmt.Errorf("decision: persist adapted plan: %w", err)
	}
	return true, nil
}
