package learning

import "sync"

// metaWindowCap is the maximum number of retained performance observations
// (spec §4.3).
const metaWindowCap = 50

// Strategy is a hyperparameter adjustment MetaLearner recommends to
// ReinforcementLearner based on recent performance.
type Strategy struct {
	Alpha   float64
	Epsilon float64
}

// MetaLearner tracks recent success rate and recommends a learning strategy.
type MetaLearner struct {
	mu     sync.Mutex
	window []bool
}

// NewMetaLearner builds an empty tracker.
func NewMetaLearner() *MetaLearner {
	return &MetaLearner{}
}

// Observe records a success/failure outcome, dropping the oldest observation
// once the window exceeds its cap.
func (m *MetaLearner) Observe(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.window = append(m.window, success)
	if len(m.window) > metaWindowCap {
		m.window = m.window[len(m.window)-metaWindowCap:]
	}
}

// Strategy reports the current recommended hyperparameters. Before 5
// observations have been recorded it returns the reinforcement learner's
// defaults, since the window is too thin to judge (spec §4.3: "after >= 5").
func (m *MetaLearner) Strategy() Strategy {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.window) < 5 {
		return Strategy{Alpha: DefaultAlpha, Epsilon: DefaultEpsilon}
	}

	successes := 0
	for _, ok := range m.window {
		if ok {
			successes++
		}
	}
	mean := float64(successes) / float64(len(m.window))

	switch {
	case mean < 0.6:
		return Strategy{Alpha: 0.15, Epsilon: 0.20}
	case mean > 0.8:
		return Strategy{Alpha: 0.05, Epsilon: 0.05}
	default:
		return Strategy{Alpha: DefaultAlpha, Epsilon: DefaultEpsilon}
	}
}
