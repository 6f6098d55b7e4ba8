package decision

import (
	"context"
	"fmt"

	"github.com/ashita-ai/akashi/internal/model"
	"github.com/ashita-ai/akashi/internal/runtimeerr"
	"github.com/ashita-ai/akashi/internal/storage"
)

// Result is the outcome of DecisionEngine.MakeDecision (spec §4.4 step 8).
type Result struct {
	CanProceed      bool                 `json:"can_proceed"`
	Confidence      float64              `json:"confidence"`
	Score           *float32             `json:"score,omitempty"`
	Violations      []string             `json:"violations"`
	Risk            model.RiskAssessment `json:"risk"`
	Plan            *model.Plan          `json:"plan,omitempty"`
	Variant         string               `json:"variant"`
	ModelVersion    string               `json:"model_version,omitempty"`
	Recommendations []string             `json:"recommendations"`
}

// Engine implements make_decision over an agent's four sub-managers.
type Engine struct {
	goals       *GoalManager
	constraints *ConstraintHandler
	risks       *RiskAssessor
	planner     *AdaptivePlanner
	scorer      ModelScorer
	ab          ABConfig
	environment string
}

// NewEngine builds an Engine from an agent id, constructing its four
// sub-managers over db (spec §4.4's first constructor form).
func NewEngine(db *storage.DB, agentID string, scorer ModelScorer, ab ABConfig, environment string) *Engine {
	return NewEngineFromManagers(
		NewGoalManager(db, agentID),
		NewConstraintHandler(db, agentID),
		NewRiskAssessor(db, agentID),
		NewAdaptivePlanner(db, agentID),
		scorer, ab, environment,
	)
}

// NewEngineFromManagers builds an Engine by direct sub-manager injection
// (spec §4.4's second constructor form). Both constructors yield identical
// make_decision behavior.
func NewEngineFromManagers(goals *GoalManager, constraints *ConstraintHandler, risks *RiskAssessor, planner *AdaptivePlanner, scorer ModelScorer, ab ABConfig, environment string) *Engine {
	if scorer == nil {
		scorer = NoopScorer{}
	}
	return &Engine{
		goals:       goals,
		constraints: constraints,
		risks:       risks,
		planner:     planner,
		scorer:      scorer,
		ab:          ab,
		environment: environment,
	}
}

// MakeDecision runs the full decision algorithm of spec §4.4 over dc.
func (e *Engine) MakeDecision(ctx context.Context, dc DecisionContext, stickyValue string) (Result, error) {
	active, err := e.goals.ListActive(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("decision: make decision: %w", err)
	}

	proceed, violations, err := e.constraints.Validate(ctx, dc)
	if err != nil {
		return Result{}, fmt.Errorf("decision: make decision: %w", err)
	}

	risk, err := e.risks.Assess(ctx, dc)
	if err != nil {
		return Result{}, fmt.Errorf("decision: make decision: %w", err)
	}

	var plan *model.Plan
	if proceed && len(active) > 0 {
		constraintList, err := e.listConstraintsForPlanning(ctx)
		if err != nil {
			return Result{}, err
		}
		goal := active[0]
		planID, err := e.planner.Create(ctx, goal, constraintList, risk)
		if err != nil {
			return Result{}, fmt.Errorf("decision: make decision: %w", err)
		}
		created, err := e.planner.db.GetPlan(ctx, planID)
		if err != nil {
			return Result{}, fmt.Errorf("decision: make decision: %w", err)
		}
		plan = &created
	}

	var score *float32
	var modelVersion string
	rawScore, version, err := e.scorer.Score(ctx, dc)
	switch {
	case err == nil:
		score = &rawScore
		modelVersion = version
	case err == ErrNoModelScorer:
		// No scorer configured; score stays nil, per spec §4.4 step 5.
	case e.environment == "production":
		return Result{}, fmt.Errorf("decision: model scorer failed in production: %w", &runtimeerr.ConfigurationError{Component: "model_scorer", Reason: err.Error()})
	default:
		// Non-production: treat scorer failures the same as "no scorer".
	}

	variant := AssignVariant(e.ab, stickyValue)

	base := 0.2
	if proceed {
		base = 0.8
	}
	confidence := base - 0.3*risk.OverallScore - 0.1*float64(len(violations))
	confidence = clampConfidence(confidence)

	return Result{
		CanProceed:      proceed,
		Confidence:      confidence,
		Score:           score,
		Violations:      violations,
		Risk:            risk,
		Plan:            plan,
		Variant:         variant,
		ModelVersion:    modelVersion,
		Recommendations: recommendationsFor(proceed, violations, risk.Level),
	}, nil
}

func clampConfidence(c float64) float64 {
	switch {
	case c < 0.1:
		return 0.1
	case c > 0.95:
		return 0.95
	default:
		return c
	}
}

// recommendationsFor builds the fixed-rule recommendation list (spec §4.4).
func recommendationsFor(proceed bool, violations []string, level model.RiskLevel) []string {
	var recs []string
	if !proceed {
		recs = append(recs, "Resolve strict constraint violations before proceeding.")
	}
	if len(violations) > 0 {
		recs = append(recs, "Review flagged constraint violations even where non-blocking.")
	}
	switch level {
	case model.RiskCritical, model.RiskHigh:
		recs = append(recs, "Escalate for risk review before committing resources.")
	case model.RiskMedium:
		recs = append(recs, "Monitor active risk factors closely during execution.")
	}
	if proceed && len(violations) == 0 && level == model.RiskMinimal {
		recs = append(recs, "No blocking issues identified; proceed as planned.")
	}
	return recs
}

// listConstraintsForPlanning fetches the agent's active constraints for the
// planner's strict-constraint penalty term.
func (e *Engine) listConstraintsForPlanning(ctx context.Context) ([]model.Constraint, error) {
	e.constraints.mu.Lock()
	defer e.constraints.mu.Unlock()
	constraints, err := e.constraints.db.ListActiveConstraints(ctx, e.constraints.agentID)
	if err != nil {
		return nil, fmt.Errorf("decision: list constraints for planning: %w", err)
	}
	return constraints, nil
}
