package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashita-ai/akashi/internal/decision"
	"github.com/ashita-ai/akashi/internal/learning"
	"github.com/ashita-ai/akashi/internal/memory"
	"github.com/ashita-ai/akashi/internal/model"
)

// fixedRiskTolerance is the risk tolerance every agent currently reports in
// its DecisionContext. Spec §4.5 calls it "a fixed risk tolerance" without
// specifying per-type values, so one constant is used uniformly.
const fixedRiskTolerance = 0.5

// defaultOptionConfidence is the confidence assigned to the always-present
// fallback option (spec §4.5 "available options" (c)).
const defaultOptionConfidence = 0.5

// numericTolerance is the absolute tolerance for comparing numeric
// expected-output fields against actual output (spec §4.5 step 5).
const numericTolerance = 0.1

// Agent is the stateful worker of spec §4.5.
type Agent struct {
	mu sync.Mutex

	ID           string
	Type         AgentType
	Capabilities []string

	memory    *memory.Subsystem
	learning  *learning.Framework
	decision  *decision.Engine
	queue     *TaskQueue
	processor Processor
	logger    *slog.Logger

	state       AgentState
	currentTask string
	stats       Stats
}

// New builds an Agent of the given type and capability set, wired to its
// memory, learning, and decision subsystems and a processor implementing
// its type-specific task handling.
func New(id string, agentType AgentType, capabilities []string, mem *memory.Subsystem, lf *learning.Framework, engine *decision.Engine, processor Processor, logger *slog.Logger) *Agent {
	return &Agent{
		ID:           id,
		Type:         agentType,
		Capabilities: capabilities,
		memory:       mem,
		learning:     lf,
		decision:     engine,
		queue:        NewTaskQueue(),
		processor:    processor,
		logger:       logger,
		state:        StateActive,
	}
}

// State returns the agent's current observable state.
func (a *Agent) State() AgentState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Stats returns a snapshot of the agent's running performance aggregates.
func (a *Agent) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Queue exposes the agent's task queue for enqueueing and draining work.
func (a *Agent) Queue() *TaskQueue {
	return a.queue
}

// Memory exposes the agent's memory subsystem to callers that need to
// surface precedent (e.g. an MCP "check before deciding" tool) without
// going through the full Execute pipeline.
func (a *Agent) Memory() *memory.Subsystem {
	return a.memory
}

// Execute runs the full action pipeline of spec §4.5 steps 1-8, under an
// implicit deadline of 2x the action's estimated_duration when one is given
// (spec §5 "Cancellation and timeouts"). A deadline expiry is not treated as
// an execution error: the agent records a failed experience and returns to
// active, same as any other unsuccessful action.
func (a *Agent) Execute(ctx context.Context, action Action) (Result, error) {
	a.mu.Lock()
	a.state = StateBusy
	a.currentTask = action.ID
	a.mu.Unlock()

	runCtx := ctx
	var cancel context.CancelFunc
	if d := floatFromAny(action.Input["estimated_duration"]); d > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(2*d*float64(time.Second)))
		defer cancel()
	}

	type outcome struct {
		result Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := a.execute(runCtx, action)
		done <- outcome{result, err}
	}()

	var result Result
	var err error
	select {
	case o := <-done:
		result, err = o.result, o.err
	case <-runCtx.Done():
		result, err = a.recordDeadlineExceeded(ctx, action)
	}

	a.mu.Lock()
	if err != nil {
		a.state = StateError
	} else {
		a.state = StateActive
	}
	a.currentTask = ""
	a.mu.Unlock()

	return result, err
}

// recordDeadlineExceeded logs a failed experience for an action whose
// implicit deadline elapsed before process_task returned, then reports it
// as an unsuccessful (not errored) result so Execute returns the agent to
// active rather than error.
func (a *Agent) recordDeadlineExceeded(ctx context.Context, action Action) (Result, error) {
	a.logger.Warn("runtime: action exceeded its implicit deadline", "agent_id", a.ID, "action_type", action.Type)
	feedback := map[string]any{"reason": "deadline_exceeded"}
	if _, err := a.learning.Learn(ctx, a.ID, action.Type, action.Input, map[string]any{}, false, map[string]any{}, feedback); err != nil {
		a.logger.Warn("runtime: learning update for deadline-exceeded action failed", "agent_id", a.ID, "error", err)
	}
	return Result{Success: false, Output: map[string]any{}, Reasoning: []string{"action exceeded its implicit deadline"}}, nil
}

func (a *Agent) execute(ctx context.Context, action Action) (Result, error) {
	// Step 1: record an "action started" memory entry.
	if _, err := a.memory.Context.Store(ctx, model.MemoryEntry{
		AgentID:    a.ID,
		Kind:       model.MemoryKindContext,
		Content:    map[string]any{"event": "action_started", "action_type": action.Type, "input": action.Input},
		Importance: action.Priority,
		Tags:       []string{action.Type, "action_started"},
	}); err != nil {
		a.logger.Warn("runtime: failed to record action-started memory", "agent_id", a.ID, "error", err)
	}

	// Step 2: build the decision context.
	dctx, err := a.buildDecisionContext(ctx, action)
	if err != nil {
		return Result{}, fmt.Errorf("runtime: build decision context: %w", err)
	}

	// Step 3: make_decision.
	sticky, _ := action.Input["submission_id"].(string)
	decisionResult, err := a.decision.MakeDecision(ctx, dctx.DecisionContext, sticky)
	if err != nil {
		return Result{}, fmt.Errorf("runtime: make decision: %w", err)
	}

	// Step 4: process the chosen action.
	output, procErr := a.processor.ProcessTask(ctx, action, decisionResult)
	if output == nil {
		output = map[string]any{}
	}

	// Step 5: compare against expected output.
	success := procErr == nil && matchesExpected(action.ExpectedOutput, output)

	// Step 6: feed the learning framework.
	metrics := map[string]any{}
	feedback := map[string]any{"decision_confidence": decisionResult.Confidence}
	if _, learnErr := a.learning.Learn(ctx, a.ID, action.Type, action.Input, output, success, metrics, feedback); learnErr != nil {
		a.logger.Warn("runtime: learning update failed", "agent_id", a.ID, "error", learnErr)
	}

	// Step 7: update running aggregates.
	a.mu.Lock()
	n := a.stats.TotalActions + 1
	successValue := 0.0
	if success {
		successValue = 1.0
	}
	a.stats.SuccessRate = (a.stats.SuccessRate*float64(a.stats.TotalActions) + successValue) / float64(n)
	a.stats.TotalActions = n
	a.stats.LastActivity = time.Now().UTC()
	a.mu.Unlock()

	result := Result{
		Success:            success,
		Output:             output,
		DecisionConfidence: decisionResult.Confidence,
		Reasoning:          decisionResult.Recommendations,
		Metrics:            metrics,
	}
	if procErr != nil {
		return result, fmt.Errorf("runtime: process task: %w", procErr)
	}
	return result, nil
}

// buildDecisionContext assembles the full DecisionContext for an action
// (spec §4.5 step 2).
func (a *Agent) buildDecisionContext(ctx context.Context, action Action) (DecisionContext, error) {
	kind := model.MemoryKindContext
	recent, err := a.memory.Context.Retrieve(ctx, a.ID, &kind, 0, 10)
	if err != nil {
		return DecisionContext{}, fmt.Errorf("retrieve recent memory: %w", err)
	}

	options := historicalOptions(recent, action.Type)
	for _, rec := range a.learning.Recommend(action.Type, action.Input) {
		if rec.Action == "" {
			continue
		}
		options = append(options, Option{
			Type:         rec.Action,
			Data:         map[string]any{"reasoning": rec.Reasoning},
			Confidence:   rec.Confidence,
			QualityScore: rec.Confidence,
		})
	}
	options = append(options, Option{Type: "default", Data: action.Input, Confidence: defaultOptionConfidence})

	return DecisionContext{
		DecisionContext: decision.DecisionContext{
			ActionType:        action.Type,
			RequiredResources: floatMapFromAny(action.Input["required_resources"]),
			EstimatedDuration: floatFromAny(action.Input["estimated_duration"]),
			QualityScore:      floatFromAny(action.Input["quality_score"]),
		},
		Options:       options,
		RiskTolerance: fixedRiskTolerance,
	}, nil
}

// historicalOptions derives options from recent memory entries recording
// past successful actions of the same type (spec §4.5 "available options" (a)).
func historicalOptions(entries []model.MemoryEntry, actionType string) []Option {
	var options []Option
	for _, e := range entries {
		recordedType, _ := e.Content["action_type"].(string)
		if recordedType != actionType {
			continue
		}
		if success, _ := e.Content["success"].(bool); !success {
			continue
		}
		options = append(options, Option{
			Type:       actionType,
			Data:       e.Content,
			Confidence: float64(e.Importance),
		})
	}
	return options
}

// matchesExpected compares actual output to expected per-key: numeric
// fields within numericTolerance, strings by exact match, any missing key
// fails (spec §4.5 step 5). An empty expected map trivially succeeds.
func matchesExpected(expected, actual map[string]any) bool {
	for key, expectedValue := range expected {
		actualValue, ok := actual[key]
		if !ok {
			return false
		}
		if !valuesMatch(expectedValue, actualValue) {
			return false
		}
	}
	return true
}

func valuesMatch(expected, actual any) bool {
	if ef, ok := asFloat(expected); ok {
		af, ok := asFloat(actual)
		if !ok {
			return false
		}
		delta := ef - af
		if delta < 0 {
			delta = -delta
		}
		return delta <= numericTolerance
	}
	if es, ok := expected.(string); ok {
		as, ok := actual.(string)
		return ok && es == as
	}
	return expected == actual
}

func asFloat(v any) (float64, bool) {
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

func floatFromAny(v any) float64 {
	f, _ := asFloat(v)
	return f
}

func floatMapFromAny(v any) map[string]float64 {
	raw, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]float64, len(raw))
	for k, val := range raw {
		if f, ok := asFloat(val); ok {
			out[k] = f
		}
	}
	return out
}
