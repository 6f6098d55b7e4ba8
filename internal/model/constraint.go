package model

import (
	"time"

	"github.com/google/uuid"
)

// ConstraintKind categorizes a Constraint's violation predicate.
type ConstraintKind string

const (
	ConstraintResource ConstraintKind = "resource"
	ConstraintTime     ConstraintKind = "time"
	ConstraintQuality  ConstraintKind = "quality"
	ConstraintPolicy   ConstraintKind = "policy"
)

// Constraint bounds what an agent's decision may do. A strict constraint
// that evaluates to violated blocks the decision outright; a non-strict
// one is surfaced in violations but does not block.
type Constraint struct {
	ID          uuid.UUID      `json:"id"`
	AgentID     string         `json:"agent_id"`
	Kind        ConstraintKind `json:"kind"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Strict      bool           `json:"strict"`
	Priority    GoalPriority   `json:"priority"`
	Active      bool           `json:"active"`
	CreatedAt   time.Time      `json:"created_at"`
}
