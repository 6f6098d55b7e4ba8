package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/akashi/internal/model"
)

// CreateGoal inserts a new Goal for an agent.
func (db *DB) CreateGoal(ctx context.Context, g model.Goal) (model.Goal, error) {
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	now := time.Now().UTC()
	g.CreatedAt, g.UpdatedAt = now, now
	g.Progress = model.ClampProgress(g.Progress)
	if g.Status == "" {
		g.Status = model.GoalStatusActive
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO goals (id, agent_id, description, priority, target_metrics, deadline, status, progress, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		g.ID, g.AgentID, g.Description, g.Priority, g.TargetMetrics, g.Deadline, g.Status, g.Progress, g.CreatedAt, g.UpdatedAt,
	)
	if err != nil {
		return model.Goal{}, fmt.Errorf("storage: create goal: %w", err)
	}
	return g, nil
}

// UpdateGoalProgress updates a goal's progress and optionally its status.
func (db *DB) UpdateGoalProgress(ctx context.Context, id uuid.UUID, progress float32, status *model.GoalStatus) error {
	progress = model.ClampProgress(progress)
	var err error
	if status != nil {
		_, err = db.pool.Exec(ctx,
			`UPDATE goals SET progress = $1, status = $2, updated_at = NOW() WHERE id = $3`,
			progress, *status, id,
		)
	} else {
		_, err = db.pool.Exec(ctx,
			`UPDATE goals SET progress = $1, updated_at = NOW() WHERE id = $2`,
			progress, id,
		)
	}
	if err != nil {
		return fmt.Errorf("storage: update goal progress: %w", err)
	}
	return nil
}

// ListActiveGoals returns goals for an agent ordered (priority desc, created_at asc).
// Status is authoritative: a goal with a deadline in the past is still returned
// as long as its status is active.
func (db *DB) ListActiveGoals(ctx context.Context, agentID string) ([]model.Goal, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, agent_id, description, priority, target_metrics, deadline, status, progress, created_at, updated_at
		 FROM goals
		 WHERE agent_id = $1 AND status = $2
		 ORDER BY
		   CASE priority WHEN 'critical' THEN 4 WHEN 'high' THEN 3 WHEN 'medium' THEN 2 WHEN 'low' THEN 1 ELSE 0 END DESC,
		   created_at ASC`,
		agentID, model.GoalStatusActive,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list active goals: %w", err)
	}
	defer rows.Close()

	var goals []model.Goal
	for rows.Next() {
		var g model.Goal
		if err := rows.Scan(&g.ID, &g.AgentID, &g.Description, &g.Priority, &g.TargetMetrics,
			&g.Deadline, &g.Status, &g.Progress, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan goal: %w", err)
		}
		goals = append(goals, g)
	}
	return goals, rows.Err()
}

// GetGoal retrieves a single goal by id.
func (db *DB) GetGoal(ctx context.Context, id uuid.UUID) (model.Goal, error) {
	var g model.Goal
	err := db.pool.QueryRow(ctx,
		`SELECT id, agent_id, description, priority, target_metrics, deadline, status, progress, created_at, updated_at
		 FROM goals WHERE id = $1`, id,
	).Scan(&g.ID, &g.AgentID, &g.Description, &g.Priority, &g.TargetMetrics,
		&g.Deadline, &g.Status, &g.Progress, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Goal{}, fmt.Errorf("storage: goal not found: %s", id)
		}
		return model.Goal{}, fmt.Errorf("storage: get goal: %w", err)
	}
	return g, nil
}
