package decision

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/akashi/internal/model"
	"github.com/ashita-ai/akashi/internal/storage"
)

// GoalManager owns an agent's durable goals.
type GoalManager struct {
	mu      sync.Mutex
	db      *storage.DB
	agentID string
}

// NewGoalManager builds a GoalManager scoped to one agent.
func NewGoalManager(db *storage.DB, agentID string) *GoalManager {
	return &GoalManager{db: db, agentID: agentID}
}

// Create registers a new goal and returns its id.
func (m *GoalManager) Create(ctx context.Context, description string, targets map[string]any, priority model.GoalPriority, deadline *time.Time) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, err := m.db.CreateGoal(ctx, model.Goal{
		AgentID:       m.agentID,
		Description:   description,
		Priority:      priority,
		TargetMetrics: targets,
		Deadline:      deadline,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("decision: create goal: %w", err)
	}
	return g.ID, nil
}

// UpdateProgress records a goal's progress and, optionally, a status transition.
func (m *GoalManager) UpdateProgress(ctx context.Context, id uuid.UUID, progress float32, status *model.GoalStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.db.UpdateGoalProgress(ctx, id, progress, status); err != nil {
		return fmt.Errorf("decision: update goal progress: %w", err)
	}
	return nil
}

// ListActive returns the agent's active goals, highest priority first.
func (m *GoalManager) ListActive(ctx context.Context) ([]model.Goal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	goals, err := m.db.ListActiveGoals(ctx, m.agentID)
	if err != nil {
		return nil, fmt.Errorf("decision: list active goals: %w", err)
	}
	return goals, nil
}
