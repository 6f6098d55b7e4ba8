package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/akashi/internal/model"
)

// UpsertSyncRecord inserts or replaces the SyncRecord for (entity_type, entity_id).
// Each entity has at most one current SyncRecord — history is carried instead
// in sync_events — matching §6's index on (entity_type, entity_id).
func (db *DB) UpsertSyncRecord(ctx context.Context, r model.SyncRecord) (model.SyncRecord, error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO sync_records (id, entity_type, entity_id, direction, status, data_hash, "timestamp", retry_count, error, conflict_data)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		 ON CONFLICT (entity_type, entity_id) DO UPDATE SET
		   direction = EXCLUDED.direction,
		   status = EXCLUDED.status,
		   data_hash = EXCLUDED.data_hash,
		   "timestamp" = EXCLUDED."timestamp",
		   retry_count = EXCLUDED.retry_count,
		   error = EXCLUDED.error,
		   conflict_data = EXCLUDED.conflict_data
		 WHERE sync_records."timestamp" <= EXCLUDED."timestamp"`,
		r.ID, r.EntityType, r.EntityID, r.Direction, r.Status, r.DataHash, r.Timestamp, r.RetryCount, r.Error, r.ConflictData,
	)
	if err != nil {
		return model.SyncRecord{}, fmt.Errorf("storage: upsert sync record: %w", err)
	}
	return r, nil
}

// GetSyncStatus returns the current SyncRecord for (entity_type, entity_id), if any.
func (db *DB) GetSyncStatus(ctx context.Context, entityType, entityID string) (*model.SyncRecord, error) {
	var r model.SyncRecord
	err := db.pool.QueryRow(ctx,
		`SELECT id, entity_type, entity_id, direction, status, data_hash, "timestamp", retry_count, error, conflict_data
		 FROM sync_records WHERE entity_type = $1 AND entity_id = $2`,
		entityType, entityID,
	).Scan(&r.ID, &r.EntityType, &r.EntityID, &r.Direction, &r.Status, &r.DataHash, &r.Timestamp, &r.RetryCount, &r.Error, &r.ConflictData)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: get sync status: %w", err)
	}
	return &r, nil
}

// RecordSyncEvent appends an immutable sync lifecycle event.
func (db *DB) RecordSyncEvent(ctx context.Context, e model.SyncEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO sync_events (id, entity_type, entity_id, event_type, payload, correlation_id, occurred_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		e.ID, e.EntityType, e.EntityID, e.EventType, e.Payload, e.CorrelationID, e.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("storage: record sync event: %w", err)
	}
	return nil
}

// GCSyncRecords deletes completed/failed sync records older than maxAge (§4.7's
// 30-day default GC window).
func (db *DB) GCSyncRecords(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM sync_records WHERE "timestamp" < $1 AND status IN ('completed','failed')`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: gc sync records: %w", err)
	}
	return tag.RowsAffected(), nil
}

// isNoRows reports whether err is pgx's "no rows" sentinel, without importing
// pgx into every caller of this helper.
func isNoRows(err error) bool {
	return err != nil && err.Error() == "no rows in result set"
}
