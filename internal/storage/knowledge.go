package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ashita-ai/akashi/internal/model"
)

// DeterministicRelationID derives the id a KnowledgeRelation for
// (source, target, type) must have, so add() is an upsert (L1): two
// concurrent adds of the same triple converge on one row with the
// last-written confidence.
func DeterministicRelationID(source, target, relType string) string {
	sum := sha256.Sum256([]byte(source + "|" + target + "|" + relType))
	return "rel:" + hex.EncodeToString(sum[:])[:24]
}

// AddKnowledgeRelation upserts a KnowledgeRelation. Calling it twice for the
// same (source, target, type) with different confidence values leaves
// exactly one row, with the latest confidence.
func (db *DB) AddKnowledgeRelation(ctx context.Context, source, target, relType string, confidence float64, metadata map[string]any) (model.KnowledgeRelation, error) {
	rel := model.KnowledgeRelation{
		ID:         DeterministicRelationID(source, target, relType),
		SourceID:   source,
		TargetID:   target,
		Type:       relType,
		Confidence: confidence,
		Metadata:   metadata,
		CreatedAt:  time.Now().UTC(),
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO knowledge_relations (id, source_id, target_id, type, confidence, metadata, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT (id) DO UPDATE SET confidence = EXCLUDED.confidence, metadata = EXCLUDED.metadata`,
		rel.ID, rel.SourceID, rel.TargetID, rel.Type, rel.Confidence, rel.Metadata, rel.CreatedAt,
	)
	if err != nil {
		return model.KnowledgeRelation{}, fmt.Errorf("storage: add knowledge relation: %w", err)
	}
	return rel, nil
}

// ListKnowledgeRelations returns all relations touching a node, as either source or target.
func (db *DB) ListKnowledgeRelations(ctx context.Context, nodeID string) ([]model.KnowledgeRelation, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, source_id, target_id, type, confidence, metadata, created_at
		 FROM knowledge_relations WHERE source_id = $1 OR target_id = $1
		 ORDER BY created_at DESC`,
		nodeID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list knowledge relations: %w", err)
	}
	defer rows.Close()

	var out []model.KnowledgeRelation
	for rows.Next() {
		var r model.KnowledgeRelation
		if err := rows.Scan(&r.ID, &r.SourceID, &r.TargetID, &r.Type, &r.Confidence, &r.Metadata, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan knowledge relation: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
