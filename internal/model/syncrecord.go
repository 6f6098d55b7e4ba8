package model

import "time"

// SyncDirection describes which way a sync operation pushes data.
type SyncDirection string

const (
	SyncBidirectional SyncDirection = "bidirectional"
	SyncToExternal    SyncDirection = "to_external"
	SyncFromExternal  SyncDirection = "from_external"
)

// SyncStatus is the lifecycle state of one reconciliation attempt.
type SyncStatus string

const (
	SyncPending    SyncStatus = "pending"
	SyncInProgress SyncStatus = "in_progress"
	SyncCompleted  SyncStatus = "completed"
	SyncFailed     SyncStatus = "failed"
	SyncConflict   SyncStatus = "conflict"
)

// SyncRecord is a persisted attempt to reconcile one (entity_type, entity_id)
// pair between the local store and an external system.
type SyncRecord struct {
	ID           string         `json:"id"`
	EntityType   string         `json:"entity_type"`
	EntityID     string         `json:"entity_id"`
	Direction    SyncDirection  `json:"direction"`
	Status       SyncStatus     `json:"status"`
	DataHash     string         `json:"data_hash"`
	Timestamp    time.Time      `json:"timestamp"`
	RetryCount   int            `json:"retry_count"`
	Error        *string        `json:"error,omitempty"`
	ConflictData map[string]any `json:"conflict_data,omitempty"`
}

// ConflictRecord is a detected divergence between local and external payloads
// for one entity, awaiting or carrying a resolution.
type ConflictRecord struct {
	ID           string         `json:"id"`
	EntityType   string         `json:"entity_type"`
	EntityID     string         `json:"entity_id"`
	ExternalData map[string]any `json:"external_data"`
	LocalData    map[string]any `json:"local_data"`
	Strategy     string         `json:"strategy"`
	ResolvedData map[string]any `json:"resolved_data,omitempty"`
	ResolvedAt   *time.Time     `json:"resolved_at,omitempty"`
}

// SyncEventType enumerates the sync lifecycle events external subscribers may observe.
type SyncEventType string

const (
	SyncEventStarted   SyncEventType = "sync_started"
	SyncEventCompleted SyncEventType = "sync_completed"
	SyncEventFailed    SyncEventType = "sync_failed"
)

// SyncEvent is an append-only notification of sync progress for one entity.
type SyncEvent struct {
	ID           string         `json:"id"`
	EntityType   string         `json:"entity_type"`
	EntityID     string         `json:"entity_id"`
	EventType    SyncEventType  `json:"event_type"`
	Payload      map[string]any `json:"payload"`
	CorrelationID string        `json:"correlation_id"`
	OccurredAt   time.Time      `json:"occurred_at"`
}

// SyncStats summarizes the Synchronizer's lifetime and current activity.
type SyncStats struct {
	Total             int64      `json:"total"`
	Success           int64      `json:"success"`
	Failure           int64      `json:"failure"`
	Conflicts         int64      `json:"conflicts"`
	ConflictsResolved int64      `json:"conflicts_resolved"`
	LastSync          *time.Time `json:"last_sync,omitempty"`
	PendingConflicts  int        `json:"pending_conflicts"`
	QueueSize         int        `json:"queue_size"`
	InFlight          int        `json:"in_flight"`
}

// HealthStatus is the coarse health bucket returned by Synchronizer.Health.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Health is the Synchronizer's self-reported health.
type Health struct {
	Status HealthStatus `json:"status"`
	Issues []string     `json:"issues"`
}
