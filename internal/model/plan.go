package model

import (
	"time"

	"github.com/google/uuid"
)

// PlanStatus is the lifecycle state of a Plan.
type PlanStatus string

const (
	PlanDraft     PlanStatus = "draft"
	PlanActive    PlanStatus = "active"
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
)

// PlanStep is one ordered step of a Plan.
type PlanStep struct {
	Number             int       `json:"number"`
	Description        string    `json:"description"`
	ActionType         string    `json:"action_type"`
	DurationEst        float64   `json:"duration_est"` // minutes
	RequiredResources  map[string]float64 `json:"required_resources"`
	SuccessCriteria    []string  `json:"success_criteria"`
	RiskFactors        []string  `json:"risk_factors"`
}

// Plan is an ordered set of steps an agent intends to take to achieve a Goal.
type Plan struct {
	ID                  uuid.UUID          `json:"id"`
	AgentID             string             `json:"agent_id"`
	GoalID              uuid.UUID          `json:"goal_id"`
	Description         string             `json:"description"`
	Steps               []PlanStep         `json:"steps"`
	DurationEst         float64            `json:"duration_est"`
	ResourceRequirements map[string]float64 `json:"resource_requirements"`
	SuccessProbability  float64            `json:"success_probability"`
	Contingencies       []string           `json:"contingencies"`
	Status              PlanStatus         `json:"status"`
	CreatedAt           time.Time          `json:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

// TotalDuration sums step durations; Plan.DurationEst is kept in sync with this.
func (p Plan) TotalDuration() float64 {
	var total float64
	for _, s := range p.Steps {
		total += s.DurationEst
	}
	return total
}

// MaxResources returns the per-resource maximum across all steps (not the sum —
// resources are assumed shared/reusable across sequential steps).
func (p Plan) MaxResources() map[string]float64 {
	out := make(map[string]float64)
	for _, s := range p.Steps {
		for res, amt := range s.RequiredResources {
			if cur, ok := out[res]; !ok || amt > cur {
				out[res] = amt
			}
		}
	}
	return out
}

// PlanFeedback is the input to AdaptivePlanner.adapt.
type PlanFeedback struct {
	TimeRatio            float64 `json:"time_ratio,omitempty"`
	ResourceUtilization  float64 `json:"resource_utilization,omitempty"`
	QualityScore         float64 `json:"quality_score,omitempty"`
}
