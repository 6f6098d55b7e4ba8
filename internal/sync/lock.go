// Package syncer implements the bi-directional Synchronizer of spec §4.7:
// reconciling one entity at a time against an external system, with
// in-process and (optionally) distributed serialization, conflict
// detection, and a background drain loop. It has no direct analog in the
// teacher repo — akashi's Decision audit trail is local-only — and is
// grounded instead on the teacher's retention GC loop shape
// (storage/retention.go), its LISTEN/NOTIFY event pattern (storage/notify.go),
// and, for the distributed lock specifically, the Redis client used by the
// evalgo-org-eve example (db/repository/redis.go).
package syncer

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// lockTTL is the distributed advisory lock's time-to-live (spec §4.7: 60s).
const lockTTL = 60 * time.Second

// releaseScript atomically compares the stored token to the caller's held
// token before deleting, so a lock holder can never release a lock it does
// not own (e.g. after its own TTL expired and another holder acquired it).
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`

// entityKey identifies one (type, id) pair under serialization.
type entityKey struct {
	entityType string
	entityID   string
}

func (k entityKey) lockName() string {
	return fmt.Sprintf("sync:%s:%s", k.entityType, k.entityID)
}

// Locker serializes sync operations per entity. The in-process guard always
// applies; the distributed guard only applies when a Redis client is
// configured, in which case both must succeed for Acquire to succeed.
type Locker struct {
	mu       sync.Mutex
	inFlight map[entityKey]struct{}
	redis    *redis.Client
	degraded bool
	onDegradedLog func(msg string)
}

// NewLocker builds a Locker. redisClient may be nil, in which case only the
// in-process guard applies and distributed serialization is degraded — the
// caller must log this (spec §4.7), done here via onDegradedLog the first
// time Acquire is attempted with no Redis client configured.
func NewLocker(redisClient *redis.Client, onDegradedLog func(msg string)) *Locker {
	return &Locker{
		inFlight:      make(map[entityKey]struct{}),
		redis:         redisClient,
		degraded:      redisClient == nil,
		onDegradedLog: onDegradedLog,
	}
}

// Degraded reports whether distributed serialization is unavailable
// (no Redis client configured), for Synchronizer.Health.
func (l *Locker) Degraded() bool {
	return l.degraded
}

// Acquire enters the critical section for (entityType, entityID). It
// returns a release function that must be called exactly once, and false if
// the entity is already being synced elsewhere.
func (l *Locker) Acquire(ctx context.Context, entityType, entityID string) (release func(), ok bool, err error) {
	key := entityKey{entityType, entityID}

	l.mu.Lock()
	if _, busy := l.inFlight[key]; busy {
		l.mu.Unlock()
		return nil, false, nil
	}
	l.inFlight[key] = struct{}{}
	l.mu.Unlock()

	releaseInProcess := func() {
		l.mu.Lock()
		delete(l.inFlight, key)
		l.mu.Unlock()
	}

	if l.redis == nil {
		if l.onDegradedLog != nil {
			l.onDegradedLog("syncer: no distributed lock configured, serialization is process-local only")
		}
		return releaseInProcess, true, nil
	}

	token, err := randomToken()
	if err != nil {
		releaseInProcess()
		return nil, false, fmt.Errorf("syncer: generate lock token: %w", err)
	}

	acquired, err := l.redis.SetNX(ctx, key.lockName(), token, lockTTL).Result()
	if err != nil {
		releaseInProcess()
		return nil, false, fmt.Errorf("syncer: acquire distributed lock: %w", err)
	}
	if !acquired {
		releaseInProcess()
		return nil, false, nil
	}

	release = func() {
		releaseInProcess()
		// Best-effort: a TTL expiry before this point means another holder
		// may already own the key, and the compare-and-delete script will
		// correctly no-op rather than evict them.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.redis.Eval(releaseCtx, releaseScript, []string{key.lockName()}, token).Err(); err != nil {
			if l.onDegradedLog != nil {
				l.onDegradedLog(fmt.Sprintf("syncer: distributed lock release failed for %s: %v", key.lockName(), err))
			}
		}
	}
	return release, true, nil
}

// InFlightCount returns the number of entities currently under serialization,
// for stats() reporting.
func (l *Locker) InFlightCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.inFlight)
}

func randomToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
