package decision

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ashita-ai/akashi/internal/model"
	"github.com/ashita-ai/akashi/internal/storage"
)

// activeRiskThreshold is the per-factor score above which a risk is
// considered "active" for an assessment (spec §4.4).
const activeRiskThreshold = 0.3

// RiskAssessor owns an agent's identified risk factors and aggregates them
// into an overall assessment.
type RiskAssessor struct {
	mu      sync.Mutex
	db      *storage.DB
	agentID string
}

// NewRiskAssessor builds a RiskAssessor scoped to one agent.
func NewRiskAssessor(db *storage.DB, agentID string) *RiskAssessor {
	return &RiskAssessor{db: db, agentID: agentID}
}

// Add registers a new risk factor and returns its id.
func (a *RiskAssessor) Add(ctx context.Context, kind, description string, probability, impact float64, mitigations, monitors []string) (uuid.UUID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, err := a.db.CreateRiskFactor(ctx, model.RiskFactor{
		AgentID:     a.agentID,
		Kind:        kind,
		Description: description,
		Probability: probability,
		Impact:      impact,
		Mitigations: mitigations,
		Monitors:    monitors,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("decision: add risk factor: %w", err)
	}
	return r.ID, nil
}

// Assess aggregates every recorded risk factor into an overall score, level,
// and set of active risks. The decision context is not currently consulted —
// risk factors are agent-scoped, not per-action — but is accepted to match
// the spec's assess(context) signature and to leave room for context-scoped
// risk filtering later.
func (a *RiskAssessor) Assess(ctx context.Context, _ DecisionContext) (model.RiskAssessment, error) {
	a.mu.Lock()
	factors, err := a.db.ListRiskFactors(ctx, a.agentID)
	a.mu.Unlock()
	if err != nil {
		return model.RiskAssessment{}, fmt.Errorf("decision: assess risk: %w", err)
	}

	if len(factors) == 0 {
		return model.RiskAssessment{
			OverallScore:   0,
			Level:          model.RiskLevelFromScore(0),
			Recommendation: recommendationFor(model.RiskLevelFromScore(0), 0),
		}, nil
	}

	var sum float64
	var active []model.RiskFactor
	for _, f := range factors {
		score := f.Score()
		sum += score
		if score > activeRiskThreshold {
			active = append(active, f)
		}
	}
	overall := sum / float64(len(factors))
	level := model.RiskLevelFromScore(overall)

	return model.RiskAssessment{
		OverallScore:   overall,
		Level:          level,
		ActiveRisks:    active,
		Count:          len(active),
		Recommendation: recommendationFor(level, overall),
	}, nil
}

// recommendationFor derives prose guidance from the assessed level (spec §4.4:
// "derived from level/score by fixed thresholds, prose only").
func recommendationFor(level model.RiskLevel, score float64) string {
	switch level {
	case model.RiskCritical:
		return "Do not proceed without mitigating or escalating critical risk factors."
	case model.RiskHigh:
		return "Proceed only with active monitoring and fallback plans in place."
	case model.RiskMedium:
		return "Proceed with caution; review mitigations for active risks."
	case model.RiskLow:
		return "Acceptable risk; standard monitoring is sufficient."
	default:
		return "Negligible risk; proceed as planned."
	}
}
