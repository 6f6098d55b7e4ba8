package decision

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ashita-ai/akashi/internal/model"
	"github.com/ashita-ai/akashi/internal/storage"
)

// DecisionContext is the input to ConstraintHandler.Validate and
// RiskAssessor.Assess: the candidate action under consideration.
type DecisionContext struct {
	ActionType         string
	RequiredResources  map[string]float64
	EstimatedDuration  float64
	QualityScore       float64
}

// ConstraintHandler owns an agent's active constraints and validates a
// candidate decision context against them.
type ConstraintHandler struct {
	mu      sync.Mutex
	db      *storage.DB
	agentID string
}

// NewConstraintHandler builds a ConstraintHandler scoped to one agent.
func NewConstraintHandler(db *storage.DB, agentID string) *ConstraintHandler {
	return &ConstraintHandler{db: db, agentID: agentID}
}

// Add registers a new constraint and returns its id.
func (h *ConstraintHandler) Add(ctx context.Context, kind model.ConstraintKind, description string, params map[string]any, strict bool, priority model.GoalPriority) (uuid.UUID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, err := h.db.CreateConstraint(ctx, model.Constraint{
		AgentID:     h.agentID,
		Kind:        kind,
		Description: description,
		Parameters:  params,
		Strict:      strict,
		Priority:    priority,
		Active:      true,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("decision: add constraint: %w", err)
	}
	return c.ID, nil
}

// Validate checks dc against every active constraint. proceed is false if
// any strict constraint is violated; violations lists every violated
// constraint's description regardless of strictness.
func (h *ConstraintHandler) Validate(ctx context.Context, dc DecisionContext) (proceed bool, violations []string, err error) {
	h.mu.Lock()
	constraints, err := h.db.ListActiveConstraints(ctx, h.agentID)
	h.mu.Unlock()
	if err != nil {
		return false, nil, fmt.Errorf("decision: validate constraints: %w", err)
	}

	proceed = true
	for _, c := range constraints {
		if !violatesConstraint(c, dc) {
			continue
		}
		violations = append(violations, fmt.Sprintf("Constraint %q violated", c.Description))
		if c.Strict {
			proceed = false
		}
	}
	return proceed, violations, nil
}

// violatesConstraint applies the kind-specific violation predicate (spec §4.4).
func violatesConstraint(c model.Constraint, dc DecisionContext) bool {
	switch c.Kind {
	case model.ConstraintResource:
		for resource, budget := range floatParams(c.Parameters) {
			if required, ok := dc.RequiredResources[resource]; ok && required > budget {
				return true
			}
		}
		return false
	case model.ConstraintTime:
		max, ok := floatParam(c.Parameters, "max_duration")
		return ok && dc.EstimatedDuration > max
	case model.ConstraintQuality:
		min, ok := floatParam(c.Parameters, "min_quality")
		return ok && dc.QualityScore < min
	case model.ConstraintPolicy:
		for _, forbidden := range stringSliceParam(c.Parameters, "forbidden_actions") {
			if forbidden == dc.ActionType {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func floatParam(params map[string]any, key string) (float64, bool) {
	v, ok := params[key]
	if !ok {
		return 0, false
	}
	f, ok := toFloat(v)
	return f, ok
}

// floatParams treats every numeric entry of params as a resource budget keyed
// by resource name; non-numeric entries are skipped and no key is reserved.
func floatParams(params map[string]any) map[string]float64 {
	out := make(map[string]float64, len(params))
	for k, v := range params {
		if f, ok := toFloat(v); ok {
			out[k] = f
		}
	}
	return out
}

func stringSliceParam(params map[string]any, key string) []string {
	v, ok := params[key]
	if !ok {
		return nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
