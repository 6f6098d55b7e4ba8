package storage

import (
	"context"
	"fmt"
	"time"
)

// LocalEntities is the Synchronizer's local-side bridge (spec §4.7's
// "caller-supplied bridge to the local store"), backed by the
// local_entities mirror table. It satisfies syncer.Local.
type LocalEntities struct {
	db *DB
}

// NewLocalEntities builds a LocalEntities bridge over db.
func NewLocalEntities(db *DB) *LocalEntities {
	return &LocalEntities{db: db}
}

// Fetch returns the stored payload for (entityType, entityID), or nil if
// the local mirror has no record of it yet.
func (l *LocalEntities) Fetch(ctx context.Context, entityType, entityID string) (map[string]any, error) {
	var payload map[string]any
	err := l.db.pool.QueryRow(ctx,
		`SELECT payload FROM local_entities WHERE entity_type = $1 AND entity_id = $2`,
		entityType, entityID,
	).Scan(&payload)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: fetch local entity: %w", err)
	}
	return payload, nil
}

// Push upserts the local mirror's payload for (entityType, entityID).
func (l *LocalEntities) Push(ctx context.Context, entityType, entityID string, payload map[string]any) error {
	_, err := l.db.pool.Exec(ctx,
		`INSERT INTO local_entities (entity_type, entity_id, payload, updated_at)
		 VALUES ($1,$2,$3,$4)
		 ON CONFLICT (entity_type, entity_id) DO UPDATE SET
		   payload = EXCLUDED.payload,
		   updated_at = EXCLUDED.updated_at`,
		entityType, entityID, payload, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: push local entity: %w", err)
	}
	return nil
}
