package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/akashi/internal/model"
)

// CreateConstraint inserts a new Constraint for an agent.
func (db *DB) CreateConstraint(ctx context.Context, c model.Constraint) (model.Constraint, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.CreatedAt = time.Now().UTC()

	_, err := db.pool.Exec(ctx,
		`INSERT INTO constraints (id, agent_id, kind, description, parameters, strict, priority, active, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		c.ID, c.AgentID, c.Kind, c.Description, c.Parameters, c.Strict, c.Priority, c.Active, c.CreatedAt,
	)
	if err != nil {
		return model.Constraint{}, fmt.Errorf("storage: create constraint: %w", err)
	}
	return c, nil
}

// ListActiveConstraints returns all active constraints for an agent.
func (db *DB) ListActiveConstraints(ctx context.Context, agentID string) ([]model.Constraint, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, agent_id, kind, description, parameters, strict, priority, active, created_at
		 FROM constraints WHERE agent_id = $1 AND active = true
		 ORDER BY CASE priority WHEN 'critical' THEN 4 WHEN 'high' THEN 3 WHEN 'medium' THEN 2 WHEN 'low' THEN 1 ELSE 0 END DESC`,
		agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list active constraints: %w", err)
	}
	defer rows.Close()

	var out []model.Constraint
	for rows.Next() {
		var c model.Constraint
		if err := rows.Scan(&c.ID, &c.AgentID, &c.Kind, &c.Description, &c.Parameters,
			&c.Strict, &c.Priority, &c.Active, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan constraint: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
