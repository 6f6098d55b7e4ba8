package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/akashi/internal/model"
)

// RecordConflict persists a detected divergence between local and external
// payloads for one entity, unresolved until ResolveConflict is called.
func (db *DB) RecordConflict(ctx context.Context, c model.ConflictRecord) (model.ConflictRecord, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO sync_conflicts (id, entity_type, entity_id, external_data, local_data, strategy, resolved_data, resolved_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		c.ID, c.EntityType, c.EntityID, c.ExternalData, c.LocalData, c.Strategy, c.ResolvedData, c.ResolvedAt,
	)
	if err != nil {
		return model.ConflictRecord{}, fmt.Errorf("storage: record conflict: %w", err)
	}
	return c, nil
}

// ListPendingConflicts returns conflicts not yet resolved, oldest first.
func (db *DB) ListPendingConflicts(ctx context.Context, limit int) ([]model.ConflictRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, entity_type, entity_id, external_data, local_data, strategy, resolved_data, resolved_at
		 FROM sync_conflicts WHERE resolved_at IS NULL ORDER BY id ASC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list pending conflicts: %w", err)
	}
	defer rows.Close()

	var out []model.ConflictRecord
	for rows.Next() {
		var c model.ConflictRecord
		if err := rows.Scan(&c.ID, &c.EntityType, &c.EntityID, &c.ExternalData, &c.LocalData,
			&c.Strategy, &c.ResolvedData, &c.ResolvedAt); err != nil {
			return nil, fmt.Errorf("storage: scan conflict: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ResolveConflict records the outcome of applying a resolution strategy to a
// pending conflict. Calling it twice on an already-resolved conflict is a
// no-op: the WHERE clause only matches unresolved rows.
func (db *DB) ResolveConflict(ctx context.Context, id string, resolvedData map[string]any) error {
	now := time.Now().UTC()
	tag, err := db.pool.Exec(ctx,
		`UPDATE sync_conflicts SET resolved_data = $2, resolved_at = $3 WHERE id = $1 AND resolved_at IS NULL`,
		id, resolvedData, now,
	)
	if err != nil {
		return fmt.Errorf("storage: resolve conflict: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: resolve conflict: %s not found or already resolved", id)
	}
	return nil
}

// SyncStats aggregates sync_records and sync_conflicts into the summary the
// Synchronizer reports via get_stats. QueueSize and InFlight are filled in by
// the caller from in-memory state — they have no persisted representation.
func (db *DB) SyncStats(ctx context.Context) (model.SyncStats, error) {
	var stats model.SyncStats
	err := db.pool.QueryRow(ctx,
		`SELECT
		   COUNT(*),
		   COUNT(*) FILTER (WHERE status = 'completed'),
		   COUNT(*) FILTER (WHERE status = 'failed'),
		   COUNT(*) FILTER (WHERE status = 'conflict'),
		   MAX("timestamp")
		 FROM sync_records`,
	).Scan(&stats.Total, &stats.Success, &stats.Failure, &stats.Conflicts, &stats.LastSync)
	if err != nil {
		return model.SyncStats{}, fmt.Errorf("storage: sync stats: %w", err)
	}

	err = db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FILTER (WHERE resolved_at IS NOT NULL), COUNT(*) FILTER (WHERE resolved_at IS NULL)
		 FROM sync_conflicts`,
	).Scan(&stats.ConflictsResolved, &stats.PendingConflicts)
	if err != nil {
		return model.SyncStats{}, fmt.Errorf("storage: conflict stats: %w", err)
	}
	return stats, nil
}
