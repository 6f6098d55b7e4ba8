package memory

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashita-ai/akashi/internal/model"
	"github.com/ashita-ai/akashi/internal/storage"
)

// KnowledgeGraph records typed, weighted relations between entities
// (spec §4.2). Relations are upserted on (source, target, type) so the
// graph never accumulates duplicate edges for repeated observations.
type KnowledgeGraph struct {
	db     *storage.DB
	logger *slog.Logger
}

// AddRelation upserts a relation, returning the stored row.
func (g *KnowledgeGraph) AddRelation(ctx context.Context, source, target, relType string, confidence float64, metadata map[string]any) (model.KnowledgeRelation, error) {
	rel, err := g.db.AddKnowledgeRelation(ctx, source, target, relType, confidence, metadata)
	if err != nil {
		return model.KnowledgeRelation{}, fmt.Errorf("memory: add relation: %w", err)
	}
	return rel, nil
}

// Neighbors returns every relation touching nodeID, as either source or target.
func (g *KnowledgeGraph) Neighbors(ctx context.Context, nodeID string) ([]model.KnowledgeRelation, error) {
	rels, err := g.db.ListKnowledgeRelations(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("memory: list relations: %w", err)
	}
	return rels, nil
}
