package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// snapshot is the on-disk shape of an Agent's persisted self (spec §4.5
// "Persistence of self"). The learning state blob is opaque JSON owned by
// the learning package's own (de)serialization, if any is configured.
type snapshot struct {
	ID            string     `json:"id"`
	Type          AgentType  `json:"type"`
	Capabilities  []string   `json:"capabilities"`
	State         AgentState `json:"state"`
	Pending       []Action   `json:"pending"`
	Completed     []Action   `json:"completed"`
	Stats         Stats      `json:"stats"`
	LearningState json.RawMessage `json:"learning_state,omitempty"`
}

// Save serializes the agent's id, type, capabilities, state, task queue,
// and stats to path as JSON.
func (a *Agent) Save(path string) error {
	a.mu.Lock()
	pending, completed := a.queue.Snapshot()
	snap := snapshot{
		ID:           a.ID,
		Type:         a.Type,
		Capabilities: a.Capabilities,
		State:        a.state,
		Pending:      pending,
		Completed:    completed,
		Stats:        a.stats,
	}
	a.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("runtime: marshal agent snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("runtime: write agent snapshot: %w", err)
	}
	return nil
}

// Load restores the agent's state, task queue, and stats from path. A
// missing file is tolerated (first run): Load logs it at info level on the
// agent's logger and returns nil, leaving the agent in its freshly
// constructed state.
func (a *Agent) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			a.logger.Info("runtime: no persisted agent state found, starting fresh", "agent_id", a.ID, "path", path)
			return nil
		}
		return fmt.Errorf("runtime: read agent snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("runtime: unmarshal agent snapshot: %w", err)
	}

	a.mu.Lock()
	a.state = snap.State
	a.stats = snap.Stats
	a.mu.Unlock()
	a.queue.Restore(snap.Pending, snap.Completed)
	return nil
}
