package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ashita-ai/akashi/internal/model"
)

// DeterministicMemoryID derives the id a MemoryEntry for (agentID, kind,
// content) must have, so re-storing identical content is an upsert rather
// than a new row. Only the first 16 hex characters of the content hash are
// used — enough to make collisions practically impossible while keeping
// ids short, matching the teacher's preference for compact deterministic ids.
func DeterministicMemoryID(agentID string, kind model.MemoryKind, content map[string]any) (string, error) {
	canonical, err := canonicalJSON(content)
	if err != nil {
		return "", fmt.Errorf("storage: canonicalize memory content: %w", err)
	}
	sum := sha256.Sum256([]byte(string(kind) + "|" + agentID + "|" + canonical))
	return agentID + ":" + string(kind) + ":" + hex.EncodeToString(sum[:])[:16], nil
}

// StoreMemoryEntry upserts a MemoryEntry. The id is recomputed from
// (agent_id, kind, content) so that storing the same content twice updates
// importance/metadata/tags in place instead of duplicating the row.
func (db *DB) StoreMemoryEntry(ctx context.Context, e model.MemoryEntry) (model.MemoryEntry, error) {
	id, err := DeterministicMemoryID(e.AgentID, e.Kind, e.Content)
	if err != nil {
		return model.MemoryEntry{}, err
	}
	e.ID = id
	e.Importance = model.ClampImportance(e.Importance)
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.AccessedAt = now

	_, err = db.pool.Exec(ctx,
		`INSERT INTO memory_entries (id, agent_id, kind, content, metadata, importance, tags, created_at, accessed_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		 ON CONFLICT (id) DO UPDATE SET
		   metadata = EXCLUDED.metadata,
		   importance = EXCLUDED.importance,
		   tags = EXCLUDED.tags,
		   accessed_at = EXCLUDED.accessed_at`,
		e.ID, e.AgentID, e.Kind, e.Content, e.Metadata, e.Importance, e.Tags, e.CreatedAt, e.AccessedAt,
	)
	if err != nil {
		return model.MemoryEntry{}, fmt.Errorf("storage: store memory entry: %w", err)
	}
	return e, nil
}

// RetrieveMemory returns memory entries for (agent_id, kind?, min_importance)
// ordered (importance desc, accessed_at desc), limited to N.
func (db *DB) RetrieveMemory(ctx context.Context, agentID string, kind *model.MemoryKind, minImportance float32, limit int) ([]model.MemoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	kindFilter := ""
	if kind != nil {
		kindFilter = string(*kind)
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, agent_id, kind, content, metadata, importance, tags, created_at, accessed_at
		 FROM memory_entries
		 WHERE agent_id = $1 AND ($2 = '' OR kind = $2) AND importance >= $3
		 ORDER BY importance DESC, accessed_at DESC LIMIT $4`,
		agentID, kindFilter, minImportance, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: retrieve memory: %w", err)
	}
	defer rows.Close()

	var out []model.MemoryEntry
	for rows.Next() {
		var m model.MemoryEntry
		if err := rows.Scan(&m.ID, &m.AgentID, &m.Kind, &m.Content, &m.Metadata, &m.Importance,
			&m.Tags, &m.CreatedAt, &m.AccessedAt); err != nil {
			return nil, fmt.Errorf("storage: scan memory entry: %w", err)
		}
		out = append(out, m)
	}

	// Best-effort accessed_at bump. Failure to record access never fails the read.
	go db.touchMemoryAccess(context.WithoutCancel(ctx), idsOf(out))

	return out, rows.Err()
}

func idsOf(entries []model.MemoryEntry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}

func (db *DB) touchMemoryAccess(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	if _, err := db.pool.Exec(ctx,
		`UPDATE memory_entries SET accessed_at = NOW() WHERE id = ANY($1)`, ids,
	); err != nil {
		db.logger.Debug("storage: accessed_at touch failed (best-effort)", "error", err)
	}
}

// canonicalJSON renders v as JSON with sorted map keys, so structurally
// identical content always hashes identically regardless of field order.
func canonicalJSON(v any) (string, error) {
	normalized, err := normalizeForCanonicalJSON(v)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(normalized)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// normalizeForCanonicalJSON round-trips v through JSON so map[string]any
// values are recursively normalized; Go's encoding/json already sorts
// map keys on marshal, so the round trip alone guarantees determinism.
func normalizeForCanonicalJSON(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
