// Package runtime implements the stateful agent worker of spec §4.5: the
// state machine, action execution pipeline, task queue, and persistence.
// Named runtime to avoid colliding with the existing internal/model.Agent,
// an RBAC identity row kept as-is for authentication and attribution.
package runtime

import (
	"time"

	"github.com/ashita-ai/akashi/internal/decision"
	"github.com/ashita-ai/akashi/internal/model"
)

// AgentType tags an Agent with its role in the journal workflow (spec §4.5, §4.6).
type AgentType string

const (
	AgentResearch   AgentType = "research"
	AgentSubmission AgentType = "submission"
	AgentEditorial  AgentType = "editorial"
	AgentReview     AgentType = "review"
	AgentQuality    AgentType = "quality"
	AgentProduction AgentType = "production"
	AgentAnalytics  AgentType = "analytics"
)

// AgentState is the observable lifecycle state of an Agent.
type AgentState string

const (
	StateIdle  AgentState = "idle"
	StateActive AgentState = "active"
	StateBusy  AgentState = "busy"
	StateError AgentState = "error"
)

// Action is one unit of work submitted to an Agent, either directly or via
// the TaskQueue.
type Action struct {
	ID             string
	Type           string
	Input          map[string]any
	ExpectedOutput map[string]any
	Priority       float32
}

// Option is one candidate course of action surfaced to the DecisionEngine
// as part of a DecisionContext (spec §4.5 "available options").
type Option struct {
	Type            string
	Data            map[string]any
	Confidence      float64
	QualityScore    float64
	RiskScore       float64
	EfficiencyScore float64
}

// DecisionContext is the full context an Agent builds before invoking
// make_decision: the decision.DecisionContext core plus the options,
// constraints, and goals surfaced to the operator, and a fixed risk
// tolerance. Only the embedded core is consumed by make_decision's
// constraint/risk math; the rest documents what was available when the
// decision was made.
type DecisionContext struct {
	decision.DecisionContext
	Options        []Option
	Constraints    []model.Constraint
	Goals          []model.Goal
	RiskTolerance  float64
}

// Result is what Agent.Execute returns (spec §4.5 step 8).
type Result struct {
	Success            bool
	Output             map[string]any
	DecisionConfidence float64
	Reasoning          []string
	Metrics            map[string]any
}

// Stats tracks an Agent's running performance aggregates.
type Stats struct {
	TotalActions int64
	SuccessRate  float64
	LastActivity time.Time
}
