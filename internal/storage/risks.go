package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/akashi/internal/model"
)

// CreateRiskFactor inserts a new RiskFactor for an agent. Level is derived
// from probability*impact at insert time (invariant I2) and never stored
// stale — callers must not pass a precomputed Level.
func (db *DB) CreateRiskFactor(ctx context.Context, r model.RiskFactor) (model.RiskFactor, error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.CreatedAt = time.Now().UTC()
	r.Level = model.RiskLevelFromScore(r.Score())

	_, err := db.pool.Exec(ctx,
		`INSERT INTO risk_factors (id, agent_id, kind, description, probability, impact, level, mitigations, monitors, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		r.ID, r.AgentID, r.Kind, r.Description, r.Probability, r.Impact, r.Level, r.Mitigations, r.Monitors, r.CreatedAt,
	)
	if err != nil {
		return model.RiskFactor{}, fmt.Errorf("storage: create risk factor: %w", err)
	}
	return r, nil
}

// ListRiskFactors returns all risk factors recorded for an agent.
func (db *DB) ListRiskFactors(ctx context.Context, agentID string) ([]model.RiskFactor, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, agent_id, kind, description, probability, impact, level, mitigations, monitors, created_at
		 FROM risk_factors WHERE agent_id = $1 ORDER BY created_at DESC`,
		agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list risk factors: %w", err)
	}
	defer rows.Close()

	var out []model.RiskFactor
	for rows.Next() {
		var r model.RiskFactor
		if err := rows.Scan(&r.ID, &r.AgentID, &r.Kind, &r.Description, &r.Probability,
			&r.Impact, &r.Level, &r.Mitigations, &r.Monitors, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan risk factor: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
