package model

import (
	"time"

	"github.com/google/uuid"
)

// RiskLevel is the derived severity bucket for a RiskFactor or an aggregate
// risk assessment, computed from probability*impact by fixed thresholds.
type RiskLevel string

const (
	RiskMinimal  RiskLevel = "minimal"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskLevelFromScore buckets a probability*impact score into a RiskLevel
// using the fixed thresholds from spec §3: 0.2/0.4/0.6/0.8.
func RiskLevelFromScore(score float64) RiskLevel {
	switch {
	case score >= 0.8:
		return RiskCritical
	case score >= 0.6:
		return RiskHigh
	case score >= 0.4:
		return RiskMedium
	case score >= 0.2:
		return RiskLow
	default:
		return RiskMinimal
	}
}

// RiskFactor is a single identified risk an agent's decisions are exposed to.
type RiskFactor struct {
	ID          uuid.UUID `json:"id"`
	AgentID     string    `json:"agent_id"`
	Kind        string    `json:"kind"`
	Description string    `json:"description"`
	Probability float64   `json:"probability"`
	Impact      float64   `json:"impact"`
	Level       RiskLevel `json:"level"`
	Mitigations []string  `json:"mitigations"`
	Monitors    []string  `json:"monitors"`
	CreatedAt   time.Time `json:"created_at"`
}

// Score returns probability*impact clipped to 1, the quantity the level is derived from.
func (r RiskFactor) Score() float64 {
	s := r.Probability * r.Impact
	if s > 1 {
		return 1
	}
	return s
}

// RiskAssessment is the output of RiskAssessor.assess: an aggregate view
// over the agent's active risk factors in the context of one decision.
type RiskAssessment struct {
	OverallScore   float64      `json:"overall_score"`
	Level          RiskLevel    `json:"level"`
	ActiveRisks    []RiskFactor `json:"active_risks"`
	Count          int          `json:"count"`
	Recommendation string       `json:"recommendation"`
}
