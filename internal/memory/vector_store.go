package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/akashi/internal/model"
	"github.com/ashita-ai/akashi/internal/storage"
)

// VectorStore embeds and retrieves content by cosine similarity (spec §4.2).
type VectorStore struct {
	db     *storage.DB
	logger *slog.Logger
}

// ContentHash derives the dedup key for arbitrary embeddable content: the
// sha256 of its canonical JSON encoding, hex-encoded.
func ContentHash(content map[string]any) (string, error) {
	b, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("memory: marshal content: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Store upserts an embedding for content, keyed on its content hash so
// re-embedding identical content never duplicates a row.
func (s *VectorStore) Store(ctx context.Context, content map[string]any, vec pgvector.Vector, metadata map[string]any) (string, error) {
	hash, err := ContentHash(content)
	if err != nil {
		return "", err
	}
	id, err := s.db.StoreVectorEmbedding(ctx, hash, vec, metadata)
	if err != nil {
		return "", fmt.Errorf("memory: store vector: %w", err)
	}
	return id, nil
}

// Search returns the k most similar stored embeddings to query.
func (s *VectorStore) Search(ctx context.Context, query pgvector.Vector, k int) ([]model.SimilarityResult, error) {
	results, err := s.db.FindSimilarVectors(ctx, query, k)
	if err != nil {
		return nil, fmt.Errorf("memory: search vectors: %w", err)
	}
	return results, nil
}
