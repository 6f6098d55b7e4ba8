package model

import (
	"time"

	"github.com/google/uuid"
)

// GoalPriority ranks the urgency of a Goal.
type GoalPriority string

const (
	GoalPriorityLow      GoalPriority = "low"
	GoalPriorityMedium   GoalPriority = "medium"
	GoalPriorityHigh     GoalPriority = "high"
	GoalPriorityCritical GoalPriority = "critical"
)

// goalPriorityRank gives a numeric rank for (priority desc, created_at asc) ordering.
var goalPriorityRank = map[GoalPriority]int{
	GoalPriorityCritical: 4,
	GoalPriorityHigh:     3,
	GoalPriorityMedium:   2,
	GoalPriorityLow:      1,
}

// GoalPriorityRank returns the numeric rank of a priority (higher = more urgent).
// Unknown priorities rank lowest.
func GoalPriorityRank(p GoalPriority) int {
	return goalPriorityRank[p]
}

// GoalStatus is the lifecycle state of a Goal.
type GoalStatus string

const (
	GoalStatusActive    GoalStatus = "active"
	GoalStatusCompleted GoalStatus = "completed"
	GoalStatusPaused    GoalStatus = "paused"
	GoalStatusFailed    GoalStatus = "failed"
)

// Goal is a durable intent owned by an agent, with a priority, target
// metrics, and an optional deadline. Deadlines are advisory — list_active
// returns goals by status regardless of whether the deadline has passed.
type Goal struct {
	ID            uuid.UUID      `json:"id"`
	AgentID       string         `json:"agent_id"`
	Description   string         `json:"description"`
	Priority      GoalPriority   `json:"priority"`
	TargetMetrics map[string]any `json:"target_metrics"`
	Deadline      *time.Time     `json:"deadline,omitempty"`
	Status        GoalStatus     `json:"status"`
	Progress      float32        `json:"progress"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// ClampProgress clamps a progress value to [0,1].
func ClampProgress(p float32) float32 {
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	default:
		return p
	}
}
