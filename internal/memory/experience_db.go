package memory

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashita-ai/akashi/internal/model"
	"github.com/ashita-ai/akashi/internal/storage"
)

// ExperienceDB is the append-only log of action outcomes that the learning
// subsystem trains on (spec §4.2, §4.3). Entries are never mutated.
type ExperienceDB struct {
	db     *storage.DB
	logger *slog.Logger
}

// Record appends an ExperienceRecord.
func (e *ExperienceDB) Record(ctx context.Context, rec model.ExperienceRecord) (model.ExperienceRecord, error) {
	stored, err := e.db.LogExperience(ctx, rec)
	if err != nil {
		return model.ExperienceRecord{}, fmt.Errorf("memory: record experience: %w", err)
	}
	return stored, nil
}

// Recent returns an agent's most recent experiences, optionally filtered by action type.
func (e *ExperienceDB) Recent(ctx context.Context, agentID string, actionType *string, limit int) ([]model.ExperienceRecord, error) {
	recs, err := e.db.ListExperiences(ctx, agentID, actionType, limit)
	if err != nil {
		return nil, fmt.Errorf("memory: list experiences: %w", err)
	}
	return recs, nil
}
