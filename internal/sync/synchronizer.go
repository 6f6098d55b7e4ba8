package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/akashi/internal/model"
)

// External is the caller-supplied bridge to the remote system (e.g. an OJS
// installation) one entity type is synced against. The Synchronizer is
// transport-agnostic: it only knows how to read and write through this
// interface, detect conflicts, and persist the outcome.
type External interface {
	// Fetch returns the external payload for (entityType, entityID), or nil
	// if the external system has no record of it.
	Fetch(ctx context.Context, entityType, entityID string) (map[string]any, error)
	// Push writes payload to the external system for (entityType, entityID).
	Push(ctx context.Context, entityType, entityID string, payload map[string]any) error
}

// Local is the caller-supplied bridge to the local store for one entity
// type — the counterpart to External on the local side of a sync.
type Local interface {
	Fetch(ctx context.Context, entityType, entityID string) (map[string]any, error)
	Push(ctx context.Context, entityType, entityID string, payload map[string]any) error
}

// Config configures a Synchronizer.
type Config struct {
	// Strategy is the conflict resolution strategy applied on divergence.
	// Empty means DefaultStrategy.
	Strategy Strategy
	// MergeFields overrides defaultMergeFields for the merge strategy.
	MergeFields []string
	// MaxConcurrency bounds batch_sync's parallel workers.
	MaxConcurrency int
	// QueueCapacity bounds queue_sync's backlog before it starts blocking.
	QueueCapacity int
	// SyncInterval is how long the background worker sleeps between drain
	// cycles. Defaults to 30s (spec §5).
	SyncInterval time.Duration
	// ErrorBackoff is how long the background worker sleeps after a cycle
	// that errored. Defaults to 5s (spec §5).
	ErrorBackoff time.Duration
	// BatchSize bounds how many queued syncs the worker drains per cycle.
	BatchSize int
}

// queued is one pending sync_entity call waiting for the drain loop.
type queued struct {
	entityType string
	entityID   string
	direction  model.SyncDirection
}

// Synchronizer reconciles entities between the local store and an external
// system, serialized per entity (Locker), with conflict detection and a
// background queue drain. Grounded on the teacher's OutboxWorker
// (internal/search/outbox.go) for the queue/drain shape and BackfillScoring
// (internal/conflicts/scorer.go) for bounded-concurrency batch processing.
type Synchronizer struct {
	db     DB
	local  Local
	ext    External
	locker *Locker
	logger *slog.Logger
	cfg    Config

	mu    sync.Mutex
	queue []queued
}

// DB is the subset of *storage.DB the Synchronizer needs, kept narrow so the
// package compiles against a mock in tests without importing storage.
type DB interface {
	UpsertSyncRecord(ctx context.Context, r model.SyncRecord) (model.SyncRecord, error)
	GetSyncStatus(ctx context.Context, entityType, entityID string) (*model.SyncRecord, error)
	RecordSyncEvent(ctx context.Context, e model.SyncEvent) error
	RecordConflict(ctx context.Context, c model.ConflictRecord) (model.ConflictRecord, error)
	ListPendingConflicts(ctx context.Context, limit int) ([]model.ConflictRecord, error)
	ResolveConflict(ctx context.Context, id string, resolvedData map[string]any) error
	SyncStats(ctx context.Context) (model.SyncStats, error)
	GCSyncRecords(ctx context.Context, maxAge time.Duration) (int64, error)
}

// New builds a Synchronizer. locker may be built with a nil Redis client
// (degraded, process-local-only serialization).
func New(database DB, local Local, ext External, locker *Locker, logger *slog.Logger, cfg Config) *Synchronizer {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1000
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 30 * time.Second
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Synchronizer{
		db:     database,
		local:  local,
		ext:    ext,
		locker: locker,
		logger: logger,
		cfg:    cfg,
	}
}

// SyncEntity reconciles one entity in the given direction. See spec §4.7 for
// direction semantics; bidirectional applies conflict detection first and,
// unless the result is an unresolved conflict, pushes both ways.
func (s *Synchronizer) SyncEntity(ctx context.Context, entityType, entityID string, direction model.SyncDirection) (bool, error) {
	release, ok, err := s.locker.Acquire(ctx, entityType, entityID)
	if err != nil {
		return false, fmt.Errorf("syncer: acquire lock: %w", err)
	}
	if !ok {
		return false, fmt.Errorf("syncer: %s/%s is already being synced", entityType, entityID)
	}
	defer release()

	correlationID := newCorrelationID()
	s.emit(ctx, entityType, entityID, model.SyncEventStarted, nil, correlationID)

	ok, err = s.syncLocked(ctx, entityType, entityID, direction, correlationID)
	if err != nil {
		s.emit(ctx, entityType, entityID, model.SyncEventFailed, map[string]any{"error": err.Error()}, correlationID)
		errStr := err.Error()
		if _, recErr := s.db.UpsertSyncRecord(ctx, model.SyncRecord{EntityType: entityType, EntityID: entityID, Direction: direction, Status: model.SyncFailed, Error: &errStr}); recErr != nil {
			s.logger.Error("syncer: record failed sync", "error", recErr)
		}
		return false, err
	}
	return ok, nil
}

func (s *Synchronizer) syncLocked(ctx context.Context, entityType, entityID string, direction model.SyncDirection, correlationID string) (bool, error) {
	switch direction {
	case model.SyncFromExternal:
		payload, err := s.ext.Fetch(ctx, entityType, entityID)
		if err != nil {
			return false, fmt.Errorf("syncer: fetch external: %w", err)
		}
		if payload == nil {
			return false, fmt.Errorf("syncer: from_external: no external record for %s/%s", entityType, entityID)
		}
		if err := s.local.Push(ctx, entityType, entityID, payload); err != nil {
			return false, fmt.Errorf("syncer: push local: %w", err)
		}
		return s.complete(ctx, entityType, entityID, direction, payload, correlationID)

	case model.SyncToExternal:
		payload, err := s.local.Fetch(ctx, entityType, entityID)
		if err != nil {
			return false, fmt.Errorf("syncer: fetch local: %w", err)
		}
		if err := s.ext.Push(ctx, entityType, entityID, payload); err != nil {
			return false, fmt.Errorf("syncer: push external: %w", err)
		}
		return s.complete(ctx, entityType, entityID, direction, payload, correlationID)

	case model.SyncBidirectional:
		return s.syncBidirectional(ctx, entityType, entityID, correlationID)

	default:
		return false, fmt.Errorf("syncer: unknown direction %q", direction)
	}
}

func (s *Synchronizer) syncBidirectional(ctx context.Context, entityType, entityID, correlationID string) (bool, error) {
	local, err := s.local.Fetch(ctx, entityType, entityID)
	if err != nil {
		return false, fmt.Errorf("syncer: fetch local: %w", err)
	}
	external, err := s.ext.Fetch(ctx, entityType, entityID)
	if err != nil {
		return false, fmt.Errorf("syncer: fetch external: %w", err)
	}

	conflict, err := Detect(local, external)
	if err != nil {
		return false, fmt.Errorf("syncer: detect conflict: %w", err)
	}

	if !conflict {
		// Idempotent: unchanged data produces no conflict, no record write
		// beyond the routine sync_records upsert (L2).
		payload := local
		if payload == nil {
			payload = external
		}
		if local != nil {
			if err := s.ext.Push(ctx, entityType, entityID, local); err != nil {
				return false, fmt.Errorf("syncer: push external: %w", err)
			}
		}
		if external != nil {
			if err := s.local.Push(ctx, entityType, entityID, external); err != nil {
				return false, fmt.Errorf("syncer: push local: %w", err)
			}
		}
		return s.complete(ctx, entityType, entityID, model.SyncBidirectional, payload, correlationID)
	}

	resolution, err := Resolve(s.cfg.Strategy, local, external, s.cfg.MergeFields)
	if err != nil {
		return false, fmt.Errorf("syncer: resolve conflict: %w", err)
	}

	if !resolution.Resolved {
		if _, err := s.db.RecordConflict(ctx, model.ConflictRecord{
			EntityType:   entityType,
			EntityID:     entityID,
			ExternalData: external,
			LocalData:    local,
			Strategy:     string(s.cfg.Strategy),
		}); err != nil {
			s.logger.Error("syncer: record conflict", "error", err)
		}
		if _, err := s.db.UpsertSyncRecord(ctx, model.SyncRecord{
			EntityType: entityType, EntityID: entityID, Direction: model.SyncBidirectional,
			Status: model.SyncConflict, ConflictData: external,
		}); err != nil {
			s.logger.Error("syncer: record conflict status", "error", err)
		}
		return false, nil
	}

	if err := s.local.Push(ctx, entityType, entityID, resolution.Winner); err != nil {
		return false, fmt.Errorf("syncer: push local: %w", err)
	}
	if err := s.ext.Push(ctx, entityType, entityID, resolution.Winner); err != nil {
		return false, fmt.Errorf("syncer: push external: %w", err)
	}

	conflictRecord, err := s.db.RecordConflict(ctx, model.ConflictRecord{
		EntityType: entityType, EntityID: entityID, ExternalData: external, LocalData: local,
		Strategy: string(s.cfg.Strategy),
	})
	if err != nil {
		s.logger.Error("syncer: record resolved conflict", "error", err)
	} else if err := s.db.ResolveConflict(ctx, conflictRecord.ID, resolution.Winner); err != nil {
		s.logger.Error("syncer: resolve conflict", "error", err)
	}

	return s.complete(ctx, entityType, entityID, model.SyncBidirectional, resolution.Winner, correlationID)
}

func (s *Synchronizer) complete(ctx context.Context, entityType, entityID string, direction model.SyncDirection, payload map[string]any, correlationID string) (bool, error) {
	hash, err := ContentHash(payload)
	if err != nil {
		return false, fmt.Errorf("syncer: hash payload: %w", err)
	}
	if _, err := s.db.UpsertSyncRecord(ctx, model.SyncRecord{
		EntityType: entityType, EntityID: entityID, Direction: direction,
		Status: model.SyncCompleted, DataHash: hash,
	}); err != nil {
		return false, fmt.Errorf("syncer: record completed sync: %w", err)
	}
	s.emit(ctx, entityType, entityID, model.SyncEventCompleted, nil, correlationID)
	return true, nil
}

// batchItemTimeout bounds each entity's sync within BatchSync; a timeout
// counts the item as a failure without affecting its siblings (spec §5).
const batchItemTimeout = 30 * time.Second

// BatchSync syncs many entities of one type concurrently, bounded by
// cfg.MaxConcurrency (grounded on Scorer.BackfillScoring's errgroup pool).
// Each item gets its own batchItemTimeout; a slow item is counted as failed
// without blocking or canceling the rest of the batch.
func (s *Synchronizer) BatchSync(ctx context.Context, entityType string, entityIDs []string, direction model.SyncDirection) (map[string]bool, error) {
	results := make(map[string]bool, len(entityIDs))
	var mu sync.Mutex

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrency)

	for _, id := range entityIDs {
		g.Go(func() error {
			itemCtx, cancel := context.WithTimeout(gCtx, batchItemTimeout)
			defer cancel()

			ok, err := s.SyncEntity(itemCtx, entityType, id, direction)
			if err != nil {
				s.logger.Warn("syncer: batch sync entity failed", "entity_type", entityType, "entity_id", id, "error", err)
			}
			mu.Lock()
			results[id] = ok
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// QueueSync enqueues a sync for the background drain loop, non-blocking.
func (s *Synchronizer) QueueSync(entityType, entityID string, direction model.SyncDirection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) >= s.cfg.QueueCapacity {
		s.logger.Warn("syncer: queue full, dropping sync request", "entity_type", entityType, "entity_id", entityID)
		return
	}
	s.queue = append(s.queue, queued{entityType: entityType, entityID: entityID, direction: direction})
}

// drainOne pops and syncs a single queued entry, if any.
func (s *Synchronizer) drainOne(ctx context.Context) (drained bool, failed bool) {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return false, false
	}
	next := s.queue[0]
	s.queue = s.queue[1:]
	s.mu.Unlock()

	if _, err := s.SyncEntity(ctx, next.entityType, next.entityID, next.direction); err != nil {
		s.logger.Error("syncer: queued sync failed", "entity_type", next.entityType, "entity_id", next.entityID, "error", err)
		return true, true
	}
	return true, false
}

// DrainBatch drains up to cfg.BatchSize queued syncs, running each through
// SyncEntity, and reports whether any of them errored (used by Worker to
// decide between the normal sync interval and the error backoff).
func (s *Synchronizer) DrainBatch(ctx context.Context) (processed int, anyFailed bool) {
	for i := 0; i < s.cfg.BatchSize; i++ {
		drained, failed := s.drainOne(ctx)
		if !drained {
			break
		}
		processed++
		if failed {
			anyFailed = true
		}
	}
	return processed, anyFailed
}

// GetStatus returns the current SyncRecord for an entity, if any.
func (s *Synchronizer) GetStatus(ctx context.Context, entityType, entityID string) (*model.SyncRecord, error) {
	return s.db.GetSyncStatus(ctx, entityType, entityID)
}

// GetPendingConflicts returns unresolved conflicts, oldest first.
func (s *Synchronizer) GetPendingConflicts(ctx context.Context, limit int) ([]model.ConflictRecord, error) {
	return s.db.ListPendingConflicts(ctx, limit)
}

// ResolveConflict applies a manual resolution to a previously-recorded
// conflict, pushing the resolved payload to both sides.
func (s *Synchronizer) ResolveConflict(ctx context.Context, conflictID string, resolvedData map[string]any) error {
	return s.db.ResolveConflict(ctx, conflictID, resolvedData)
}

// Stats summarizes lifetime and current activity.
func (s *Synchronizer) Stats(ctx context.Context) (model.SyncStats, error) {
	stats, err := s.db.SyncStats(ctx)
	if err != nil {
		return model.SyncStats{}, err
	}
	s.mu.Lock()
	stats.QueueSize = len(s.queue)
	s.mu.Unlock()
	stats.InFlight = s.locker.InFlightCount()
	return stats, nil
}

// Health reports coarse synchronizer health: degraded if distributed locking
// is unavailable, unhealthy if the queue is saturated.
func (s *Synchronizer) Health() model.Health {
	var issues []string
	status := model.HealthHealthy

	if s.locker.Degraded() {
		issues = append(issues, "distributed lock unavailable, serialization is process-local only")
		status = model.HealthDegraded
	}

	s.mu.Lock()
	queueLen := len(s.queue)
	s.mu.Unlock()
	if queueLen >= s.cfg.QueueCapacity {
		issues = append(issues, "sync queue is full")
		status = model.HealthUnhealthy
	}

	return model.Health{Status: status, Issues: issues}
}

func (s *Synchronizer) emit(ctx context.Context, entityType, entityID string, eventType model.SyncEventType, payload map[string]any, correlationID string) {
	if err := s.db.RecordSyncEvent(ctx, model.SyncEvent{
		EntityType: entityType, EntityID: entityID, EventType: eventType,
		Payload: payload, CorrelationID: correlationID,
	}); err != nil {
		s.logger.Error("syncer: record event", "error", err, "event_type", eventType)
	}
}
