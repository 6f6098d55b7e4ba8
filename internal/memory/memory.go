// Package memory implements the four memory views described in spec §4.2:
// a vector similarity store, a knowledge graph, an append-only experience
// log, and a context/working-memory facade. Each view is a thin, stateless
// wrapper over internal/storage — none of them own a *storage.DB the way a
// repository would own its data; they borrow it, so the Subsystem that
// composes them can be constructed from a single *storage.DB without any
// of the four views ever reaching back into the others.
package memory

import (
	"log/slog"

	"github.com/ashita-ai/akashi/internal/storage"
)

// Subsystem composes the four memory views over one shared store.
type Subsystem struct {
	Vectors     *VectorStore
	Knowledge   *KnowledgeGraph
	Experiences *ExperienceDB
	Context     *ContextMemory
}

// New builds a Subsystem over db. db outlives the Subsystem; none of the
// four views take ownership of it.
func New(db *storage.DB, logger *slog.Logger) *Subsystem {
	return &Subsystem{
		Vectors:     &VectorStore{db: db, logger: logger},
		Knowledge:   &KnowledgeGraph{db: db, logger: logger},
		Experiences: &ExperienceDB{db: db, logger: logger},
		Context:     &ContextMemory{db: db, logger: logger},
	}
}
