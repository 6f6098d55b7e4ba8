package learning

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetaLearner_BelowFiveObservations_ReturnsDefaults(t *testing.T) {
	m := NewMetaLearner()
	m.Observe(true)
	m.Observe(false)

	strategy := m.Strategy()
	assert.Equal(t, DefaultAlpha, strategy.Alpha)
	assert.Equal(t, DefaultEpsilon, strategy.Epsilon)
}

func TestMetaLearner_LowMeanSuccess_BoostsExploration(t *testing.T) {
	m := NewMetaLearner()
	for i := 0; i < 10; i++ {
		m.Observe(i < 3) // mean 0.3 < 0.6
	}
	strategy := m.Strategy()
	assert.Equal(t, 0.15, strategy.Alpha)
	assert.Equal(t, 0.20, strategy.Epsilon)
}

func TestMetaLearner_HighMeanSuccess_NarrowsExploration(t *testing.T) {
	m := NewMetaLearner()
	for i := 0; i < 10; i++ {
		m.Observe(i < 9) // mean 0.9 > 0.8
	}
	strategy := m.Strategy()
	assert.Equal(t, 0.05, strategy.Alpha)
	assert.Equal(t, 0.05, strategy.Epsilon)
}

func TestMetaLearner_WindowBoundedAtFifty(t *testing.T) {
	m := NewMetaLearner()
	for i := 0; i < metaWindowCap+10; i++ {
		m.Observe(true)
	}
	assert.Len(t, m.window, metaWindowCap)
}
