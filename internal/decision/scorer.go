package decision

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashita-ai/akashi/internal/runtimeerr"
)

// ErrNoModelScorer is returned by NoopScorer to signal that no external
// model is configured. DecisionEngine treats this as "no score available"
// in development, and as a ConfigurationError in production (spec §4.4
// step 5, §7).
var ErrNoModelScorer = errors.New("decision: no model scorer configured (noop)")

// ModelScorer is an externally trained predictor that optionally augments
// make_decision with a learned score, loaded from a registry keyed by the
// MLFLOW_TRACKING_URI/DECISION_MODEL_* configuration (§6). Shaped after the
// teacher's embedding.Provider pluggable-provider pattern.
type ModelScorer interface {
	// Score returns a model-derived confidence score in [0,1] for dc, plus
	// the model version that produced it.
	Score(ctx context.Context, dc DecisionContext) (score float32, modelVersion string, err error)
}

// NoopScorer always returns ErrNoModelScorer. It is the default in
// development, where no model registry is configured.
type NoopScorer struct{}

// Score implements ModelScorer.
func (NoopScorer) Score(_ context.Context, _ DecisionContext) (float32, string, error) {
	return 0, "", ErrNoModelScorer
}

// ScorerConfig carries the registry settings from §6's env vars.
type ScorerConfig struct {
	TrackingURI  string
	ModelName    string
	ModelVersion string
	ModelPath    string
	Environment  string
}

// NewScorer builds the configured ModelScorer. With no model name configured,
// it returns NoopScorer in any non-production environment, and a
// ConfigurationError in production — a misconfigured model registry must
// not silently degrade to unscored decisions in production (spec §7).
func NewScorer(cfg ScorerConfig) (ModelScorer, error) {
	if cfg.ModelName == "" {
		if cfg.Environment == "production" {
			return nil, &runtimeerr.ConfigurationError{Component: "DECISION_MODEL_NAME", Reason: "no model configured in production"}
		}
		return NoopScorer{}, nil
	}
	if cfg.TrackingURI == "" {
		return nil, &runtimeerr.ConfigurationError{Component: "MLFLOW_TRACKING_URI", Reason: fmt.Sprintf("model %q configured but no tracking URI set", cfg.ModelName)}
	}
	return &mlflowScorer{cfg: cfg}, nil
}

// mlflowScorer is a thin registry-backed scorer. The actual model call is
// intentionally out of scope here (spec has no wire format for it); it
// exists so production wiring fails loudly on misconfiguration rather than
// silently skipping scoring, per the ConfigurationError contract above.
type mlflowScorer struct {
	cfg ScorerConfig
}

// Score always fails: no concrete MLflow client is wired. A real deployment
// would replace this with a call into the tracking server at cfg.TrackingURI.
func (s *mlflowScorer) Score(_ context.Context, _ DecisionContext) (float32, string, error) {
	return 0, "", fmt.Errorf("decision: mlflow scoring not implemented for model %q", s.cfg.ModelName)
}
