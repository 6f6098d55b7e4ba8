package model

import "time"

// ExperienceRecord is an append-only record of one action's input, output,
// success, and metrics. Never mutated after insert.
type ExperienceRecord struct {
	ID         string         `json:"id"`
	AgentID    string         `json:"agent_id"`
	ActionType string         `json:"action_type"`
	Input      map[string]any `json:"input"`
	Output     map[string]any `json:"output"`
	Success    bool           `json:"success"`
	Metrics    map[string]any `json:"metrics"`
	Feedback   map[string]any `json:"feedback,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
