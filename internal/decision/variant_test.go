package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// L3 — with a fixed sticky value and fixed split, AssignVariant is pure.
func TestAssignVariant_Deterministic(t *testing.T) {
	cfg := ABConfig{Split: 50}
	a := AssignVariant(cfg, "submission-123")
	b := AssignVariant(cfg, "submission-123")
	assert.Equal(t, a, b)
}

func TestAssignVariant_ForceOverridesHashing(t *testing.T) {
	cfg := ABConfig{Split: 0, Force: "treatment"}
	assert.Equal(t, "treatment", AssignVariant(cfg, "anything"))
}

func TestAssignVariant_EmptyStickyFallsBackToControl(t *testing.T) {
	cfg := ABConfig{Split: 100}
	assert.Equal(t, VariantControl, AssignVariant(cfg, ""))
}

func TestAssignVariant_ZeroSplitAlwaysControl(t *testing.T) {
	cfg := ABConfig{Split: 0}
	for _, sticky := range []string{"a", "b", "c", "submission-1", "submission-2"} {
		assert.Equal(t, VariantControl, AssignVariant(cfg, sticky))
	}
}

func TestAssignVariant_FullSplitAlwaysTreatment(t *testing.T) {
	cfg := ABConfig{Split: 100}
	for _, sticky := range []string{"a", "b", "c", "submission-1", "submission-2"} {
		assert.Equal(t, VariantTreatment, AssignVariant(cfg, sticky))
	}
}
