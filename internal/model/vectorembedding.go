package model

import (
	"time"

	"github.com/pgvector/pgvector-go"
)

// VectorEmbedding is a standalone embedding stored through the memory
// subsystem's VectorStore facade — distinct from the embeddings carried
// inline on a Decision. Unique on ContentHash: re-embedding identical
// content upserts rather than duplicating.
type VectorEmbedding struct {
	ID          string           `json:"id"`
	ContentHash string           `json:"content_hash"`
	Vector      pgvector.Vector  `json:"-"`
	Metadata    map[string]any   `json:"metadata"`
	CreatedAt   time.Time        `json:"created_at"`
}

// SimilarityResult pairs a VectorEmbedding's id with its cosine similarity
// to a query vector.
type SimilarityResult struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}
