package runtime

import (
	"sync"

	"github.com/google/uuid"
)

// TaskQueue holds pending Actions for one Agent, ordered by priority
// descending, FIFO within equal priority (spec §4.5).
type TaskQueue struct {
	mu        sync.Mutex
	pending   []Action
	completed []Action
}

// NewTaskQueue builds an empty queue.
func NewTaskQueue() *TaskQueue {
	return &TaskQueue{}
}

// Add inserts a new Action built from data and priority, keeping the
// pending list sorted by priority descending. Equal-priority insertion
// preserves arrival order (stable insertion point at the end of the
// priority's run).
func (q *TaskQueue) Add(data map[string]any, actionType string, priority float32) string {
	q.mu.Lock()
	defer q.mu.Unlock()

	action := Action{ID: uuid.NewString(), Type: actionType, Input: data, Priority: priority}

	insertAt := len(q.pending)
	for i, existing := range q.pending {
		if priority > existing.Priority {
			insertAt = i
			break
		}
	}
	q.pending = append(q.pending, Action{})
	copy(q.pending[insertAt+1:], q.pending[insertAt:])
	q.pending[insertAt] = action

	return action.ID
}

// Peek returns the highest-priority pending Action without removing it.
func (q *TaskQueue) Peek() (Action, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return Action{}, false
	}
	return q.pending[0], true
}

// Pop removes and returns the highest-priority pending Action.
func (q *TaskQueue) Pop() (Action, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return Action{}, false
	}
	action := q.pending[0]
	q.pending = q.pending[1:]
	return action, true
}

// MarkCompleted records a finished Action in the completed list.
func (q *TaskQueue) MarkCompleted(action Action) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed = append(q.completed, action)
}

// Snapshot returns copies of the pending and completed lists, for
// persistence and inspection.
func (q *TaskQueue) Snapshot() (pending, completed []Action) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Action(nil), q.pending...), append([]Action(nil), q.completed...)
}

// Restore replaces the queue's state, used by Agent.Load.
func (q *TaskQueue) Restore(pending, completed []Action) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = pending
	q.completed = completed
}

// Len returns the number of pending actions.
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
