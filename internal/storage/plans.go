package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/akashi/internal/model"
)

// CreatePlan inserts a new Plan. Steps, resource requirements, and
// contingencies are stored as JSONB.
func (db *DB) CreatePlan(ctx context.Context, p model.Plan) (model.Plan, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	if p.Status == "" {
		p.Status = model.PlanDraft
	}
	p.DurationEst = p.TotalDuration()

	stepsJSON, err := json.Marshal(p.Steps)
	if err != nil {
		return model.Plan{}, fmt.Errorf("storage: marshal plan steps: %w", err)
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO plans (id, agent_id, goal_id, description, steps, duration_est, resource_requirements, success_probability, contingencies, status, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		p.ID, p.AgentID, p.GoalID, p.Description, stepsJSON, p.DurationEst, p.ResourceRequirements,
		p.SuccessProbability, p.Contingencies, p.Status, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return model.Plan{}, fmt.Errorf("storage: create plan: %w", err)
	}
	return p, nil
}

// UpdatePlan persists a Plan's mutated fields after adaptation (steps, duration,
// contingencies, status). updated_at is bumped to now.
func (db *DB) UpdatePlan(ctx context.Context, p model.Plan) error {
	p.DurationEst = p.TotalDuration()
	stepsJSON, err := json.Marshal(p.Steps)
	if err != nil {
		return fmt.Errorf("storage: marshal plan steps: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`UPDATE plans SET steps = $1, duration_est = $2, resource_requirements = $3,
		   success_probability = $4, contingencies = $5, status = $6, updated_at = NOW()
		 WHERE id = $7`,
		stepsJSON, p.DurationEst, p.ResourceRequirements, p.SuccessProbability, p.Contingencies, p.Status, p.ID,
	)
	if err != nil {
		return fmt.Errorf("storage: update plan: %w", err)
	}
	return nil
}

// GetPlan retrieves a plan by id.
func (db *DB) GetPlan(ctx context.Context, id uuid.UUID) (model.Plan, error) {
	var p model.Plan
	var stepsJSON []byte
	err := db.pool.QueryRow(ctx,
		`SELECT id, agent_id, goal_id, description, steps, duration_est, resource_requirements, success_probability, contingencies, status, created_at, updated_at
		 FROM plans WHERE id = $1`, id,
	).Scan(&p.ID, &p.AgentID, &p.GoalID, &p.Description, &stepsJSON, &p.DurationEst,
		&p.ResourceRequirements, &p.SuccessProbability, &p.Contingencies, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Plan{}, fmt.Errorf("storage: plan not found: %s", id)
		}
		return model.Plan{}, fmt.Errorf("storage: get plan: %w", err)
	}
	if err := json.Unmarshal(stepsJSON, &p.Steps); err != nil {
		return model.Plan{}, fmt.Errorf("storage: unmarshal plan steps: %w", err)
	}
	return p, nil
}
