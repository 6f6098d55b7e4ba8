package storage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/akashi/internal/model"
)

// StoreVectorEmbedding upserts a VectorEmbedding keyed on its unique content_hash.
func (db *DB) StoreVectorEmbedding(ctx context.Context, contentHash string, vec pgvector.Vector, metadata map[string]any) (string, error) {
	id := uuid.New().String()
	err := db.pool.QueryRow(ctx,
		`INSERT INTO vector_embeddings (id, content_hash, embedding, metadata, created_at)
		 VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (content_hash) DO UPDATE SET embedding = EXCLUDED.embedding, metadata = EXCLUDED.metadata
		 RETURNING id`,
		id, contentHash, vec, metadata, time.Now().UTC(),
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("storage: store vector embedding: %w", err)
	}
	return id, nil
}

// FindSimilarVectors returns the k nearest neighbors to query by cosine
// distance. Only (id, vector) columns are loaded — metadata is never
// joined here, to avoid quadratic overhead on large corpora (spec §4.2).
// Ties (equal cosine distance) are broken by insertion order (created_at asc).
func (db *DB) FindSimilarVectors(ctx context.Context, query pgvector.Vector, k int) ([]model.SimilarityResult, error) {
	if k <= 0 {
		k = 10
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, 1 - (embedding <=> $1) AS score
		 FROM vector_embeddings
		 ORDER BY embedding <=> $1 ASC, created_at ASC
		 LIMIT $2`,
		query, k,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: find similar vectors: %w", err)
	}
	defer rows.Close()

	var out []model.SimilarityResult
	for rows.Next() {
		var r model.SimilarityResult
		if err := rows.Scan(&r.ID, &r.Score); err != nil {
			return nil, fmt.Errorf("storage: scan similarity result: %w", err)
		}
		out = append(out, r)
	}
	// Defensive re-sort: callers rely on descending score order even if the
	// driver or a future index type changes result ordering semantics.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, rows.Err()
}
