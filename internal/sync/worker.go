package syncer

import (
	"context"
	"log/slog"
	"time"
)

// gcInterval is how often expired sync records are pruned, independent of
// the drain cycle (not itself spec'd; the teacher's retention.go runs its
// own GC pass on a separate daily-scale ticker, so this mirrors that rather
// than running GC every drain cycle).
const gcInterval = 6 * time.Hour

// gcMaxAge is the retention window for completed/failed sync_records rows
// (spec §4.7's 30-day default).
const gcMaxAge = 30 * 24 * time.Hour

// Worker runs the background sync loop of spec §5: per cycle, drain up to
// BatchSize queued syncs, perform periodic sync duties (the GC pass), then
// sleep SyncInterval before the next cycle — or ErrorBackoff if the cycle
// saw any failure.
type Worker struct {
	sync   *Synchronizer
	logger *slog.Logger
	done   chan struct{}
}

// NewWorker builds a Worker over s.
func NewWorker(s *Synchronizer, logger *slog.Logger) *Worker {
	return &Worker{sync: s, logger: logger, done: make(chan struct{})}
}

// Run blocks, driving the drain/GC cycle until ctx is canceled. Intended to
// be run in its own goroutine.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)

	lastGC := time.Now()

	for {
		processed, anyFailed := w.sync.DrainBatch(ctx)
		if processed > 0 {
			w.logger.Debug("syncer: drained queued syncs", "processed", processed, "any_failed", anyFailed)
		}

		if time.Since(lastGC) >= gcInterval {
			w.gc(ctx)
			lastGC = time.Now()
		}

		sleep := w.sync.cfg.SyncInterval
		if anyFailed {
			sleep = w.sync.cfg.ErrorBackoff
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

// Done is closed once Run has returned, for callers that want to wait out a
// graceful shutdown.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) gc(ctx context.Context) {
	gcCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	deleted, err := w.sync.db.GCSyncRecords(gcCtx, gcMaxAge)
	if err != nil {
		w.logger.Error("syncer: gc sync records", "error", err)
		return
	}
	if deleted > 0 {
		w.logger.Info("syncer: gc pruned sync records", "deleted", deleted)
	}
}
