package model

import "time"

// KnowledgeRelation is a directed, typed edge in the knowledge graph.
// ID is deterministic on (source_id, target_id, type) so repeated
// add() calls upsert the confidence rather than creating duplicates (L1).
type KnowledgeRelation struct {
	ID         string         `json:"id"`
	SourceID   string         `json:"source_id"`
	TargetID   string         `json:"target_id"`
	Type       string         `json:"type"`
	Confidence float64        `json:"confidence"`
	Metadata   map[string]any `json:"metadata"`
	CreatedAt  time.Time      `json:"created_at"`
}
