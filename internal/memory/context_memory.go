package memory

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashita-ai/akashi/internal/model"
	"github.com/ashita-ai/akashi/internal/storage"
)

// ContextMemory is an agent's tagged, importance-weighted working memory
// (spec §4.2). Unlike ExperienceDB it is mutable: storing the same content
// again under the same kind refreshes importance and metadata in place
// (invariant I1 — importance always clamped to [0,1]).
type ContextMemory struct {
	db     *storage.DB
	logger *slog.Logger
}

// Store upserts a MemoryEntry, deriving its id from (agent_id, kind, content).
func (c *ContextMemory) Store(ctx context.Context, entry model.MemoryEntry) (model.MemoryEntry, error) {
	stored, err := c.db.StoreMemoryEntry(ctx, entry)
	if err != nil {
		return model.MemoryEntry{}, fmt.Errorf("memory: store context entry: %w", err)
	}
	return stored, nil
}

// Retrieve returns an agent's memory entries matching kind (if given) and
// minImportance, most important and most recently accessed first.
func (c *ContextMemory) Retrieve(ctx context.Context, agentID string, kind *model.MemoryKind, minImportance float32, limit int) ([]model.MemoryEntry, error) {
	entries, err := c.db.RetrieveMemory(ctx, agentID, kind, minImportance, limit)
	if err != nil {
		return nil, fmt.Errorf("memory: retrieve context entries: %w", err)
	}
	return entries, nil
}
