package learning

import (
	"context"
	"fmt"
	"sync"

	"github.com/ashita-ai/akashi/internal/memory"
	"github.com/ashita-ai/akashi/internal/model"
)

// similarityThreshold is the default cutoff Framework.Recommend applies when
// looking up supervised matches for a recommendation context.
const similarityThreshold = 0.6

// Recommendation is one suggestion returned by Framework.Recommend, merging
// supervised-learning precedent with the meta-learner's current strategy
// (spec §4.3).
type Recommendation struct {
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
	Action     string  `json:"action,omitempty"`
	Reasoning  string  `json:"reasoning"`
}

// Framework composes the four learners behind a single atomic learn() path.
type Framework struct {
	mu           sync.Mutex
	experiences  *memory.ExperienceDB
	reinforce    *ReinforcementLearner
	supervised   *SupervisedLearner
	unsupervised *UnsupervisedLearner
	meta         *MetaLearner
}

// NewFramework builds a Framework backed by exp for persistence.
func NewFramework(exp *memory.ExperienceDB) *Framework {
	return &Framework{
		experiences:  exp,
		reinforce:    NewReinforcementLearner(),
		supervised:   NewSupervisedLearner(),
		unsupervised: NewUnsupervisedLearner(),
		meta:         NewMetaLearner(),
	}
}

// Learn persists one experience and updates all four learners atomically
// from the caller's perspective: the experience is written first, and only
// on success do the in-memory learners get touched, so a persistence
// failure never leaves a learner updated without a matching durable record.
func (f *Framework) Learn(ctx context.Context, agentID, actionType string, input, output map[string]any, success bool, metrics map[string]any, feedback map[string]any) (string, error) {
	rec := model.ExperienceRecord{
		AgentID:    agentID,
		ActionType: actionType,
		Input:      input,
		Output:     output,
		Success:    success,
		Metrics:    metrics,
		Feedback:   feedback,
	}
	stored, err := f.experiences.Record(ctx, rec)
	if err != nil {
		return "", fmt.Errorf("learning: learn: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.supervised.Observe(actionType, Sample{Input: input, Output: output, Success: success})
	f.unsupervised.Observe(input)
	f.meta.Observe(success)

	strategy := f.meta.Strategy()
	f.reinforce.SetHyperparameters(strategy.Alpha, strategy.Epsilon)

	if reward, ok := metrics["reward"].(float64); ok {
		state := StateKey(input)
		f.reinforce.Update(state, actionType, reward, state)
	}

	return stored.ID, nil
}

// Recommend merges successful supervised matches for context with the
// meta-learner's current strategy, highest confidence first. An empty
// action history returns only the meta recommendation, never an error
// (spec edge case: "empty experience list never crashes").
func (f *Framework) Recommend(actionType string, context map[string]any) []Recommendation {
	f.mu.Lock()
	matches := f.supervised.FindSimilar(actionType, context, similarityThreshold)
	strategy := f.meta.Strategy()
	f.mu.Unlock()

	var out []Recommendation
	for _, m := range matches {
		if !m.Sample.Success {
			continue
		}
		action, _ := m.Sample.Output["action"].(string)
		out = append(out, Recommendation{
			Type:       "supervised",
			Confidence: m.Similarity,
			Action:     action,
			Reasoning:  "similar past action succeeded",
		})
	}

	out = append(out, Recommendation{
		Type:       "meta",
		Confidence: 1,
		Reasoning:  fmt.Sprintf("current strategy alpha=%.2f epsilon=%.2f", strategy.Alpha, strategy.Epsilon),
	})
	return out
}

// Patterns exposes the unsupervised learner's detected clusters.
func (f *Framework) Patterns() []Pattern {
	return f.unsupervised.Patterns()
}

// Anomalies exposes the unsupervised learner's rare-cluster detections.
func (f *Framework) Anomalies() []Anomaly {
	return f.unsupervised.Anomalies()
}

// SelectAction delegates to the reinforcement learner for a given state and
// available action set.
func (f *Framework) SelectAction(state string, actions []string) string {
	return f.reinforce.SelectAction(state, actions)
}
