package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StrategicAnalysis is an internal artifact written by the Analytics agent's
// process_task, not a coordinator-visible entity of its own (see
// OPEN QUESTION DECISIONS: eighth agent vs. internal tool).
type StrategicAnalysis struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id"`
	Subject   string         `json:"subject"`
	Findings  map[string]any `json:"findings"`
	CreatedAt time.Time      `json:"created_at"`
}

// RecordStrategicAnalysis persists an Analytics agent finding.
func (db *DB) RecordStrategicAnalysis(ctx context.Context, a StrategicAnalysis) (StrategicAnalysis, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	a.CreatedAt = time.Now().UTC()
	_, err := db.pool.Exec(ctx,
		`INSERT INTO strategic_analysis (id, agent_id, subject, findings, created_at) VALUES ($1,$2,$3,$4,$5)`,
		a.ID, a.AgentID, a.Subject, a.Findings, a.CreatedAt,
	)
	if err != nil {
		return StrategicAnalysis{}, fmt.Errorf("storage: record strategic analysis: %w", err)
	}
	return a, nil
}

// ListStrategicAnalysis returns an agent's recorded findings for a subject, newest first.
func (db *DB) ListStrategicAnalysis(ctx context.Context, agentID, subject string, limit int) ([]StrategicAnalysis, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, agent_id, subject, findings, created_at
		 FROM strategic_analysis WHERE agent_id = $1 AND subject = $2
		 ORDER BY created_at DESC LIMIT $3`,
		agentID, subject, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list strategic analysis: %w", err)
	}
	defer rows.Close()

	var out []StrategicAnalysis
	for rows.Next() {
		var a StrategicAnalysis
		if err := rows.Scan(&a.ID, &a.AgentID, &a.Subject, &a.Findings, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan strategic analysis: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
