package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/akashi/internal/model"
)

// LogExperience appends an ExperienceRecord. Append-only: never updated or deleted
// except by the retention GC pass.
func (db *DB) LogExperience(ctx context.Context, e model.ExperienceRecord) (model.ExperienceRecord, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.CreatedAt = time.Now().UTC()

	_, err := db.pool.Exec(ctx,
		`INSERT INTO experience_records (id, agent_id, action_type, input, output, success, metrics, feedback, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		e.ID, e.AgentID, e.ActionType, e.Input, e.Output, e.Success, e.Metrics, e.Feedback, e.CreatedAt,
	)
	if err != nil {
		return model.ExperienceRecord{}, fmt.Errorf("storage: log experience: %w", err)
	}
	return e, nil
}

// ListExperiences returns an agent's experiences, optionally filtered by
// action_type, newest first.
func (db *DB) ListExperiences(ctx context.Context, agentID string, actionType *string, limit int) ([]model.ExperienceRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	actionFilter := ""
	if actionType != nil {
		actionFilter = *actionType
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, agent_id, action_type, input, output, success, metrics, feedback, created_at
		 FROM experience_records
		 WHERE agent_id = $1 AND ($2 = '' OR action_type = $2)
		 ORDER BY created_at DESC LIMIT $3`,
		agentID, actionFilter, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list experiences: %w", err)
	}
	defer rows.Close()

	var out []model.ExperienceRecord
	for rows.Next() {
		var e model.ExperienceRecord
		if err := rows.Scan(&e.ID, &e.AgentID, &e.ActionType, &e.Input, &e.Output, &e.Success,
			&e.Metrics, &e.Feedback, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan experience: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GCExpired deletes memory entries older than entryMaxAge with importance
// below minImportance, and experiences older than expMaxAge. Idempotent and
// safe to run concurrently with writes — it only ever removes rows matching
// the age/importance predicate, never rows written after the scan began.
func (db *DB) GCExpired(ctx context.Context, entryMaxAge, expMaxAge time.Duration, minImportance float32) (memoryDeleted, experiencesDeleted int64, err error) {
	entryCutoff := time.Now().UTC().Add(-entryMaxAge)
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM memory_entries WHERE created_at < $1 AND importance < $2`,
		entryCutoff, minImportance,
	)
	if err != nil {
		return 0, 0, fmt.Errorf("storage: gc memory entries: %w", err)
	}
	memoryDeleted = tag.RowsAffected()

	expCutoff := time.Now().UTC().Add(-expMaxAge)
	tag, err = db.pool.Exec(ctx, `DELETE FROM experience_records WHERE created_at < $1`, expCutoff)
	if err != nil {
		return memoryDeleted, 0, fmt.Errorf("storage: gc experiences: %w", err)
	}
	experiencesDeleted = tag.RowsAffected()

	return memoryDeleted, experiencesDeleted, nil
}
