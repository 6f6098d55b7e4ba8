package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRender_SubstitutesPlaceholders(t *testing.T) {
	out := render("Dear {{ name }}, your manuscript {{manuscript_id}} was received.", map[string]any{
		"name":           "Dr. Ada Lovelace",
		"manuscript_id":  "M-102",
	})
	assert.Equal(t, "Dear Dr. Ada Lovelace, your manuscript M-102 was received.", out)
}

func TestRender_MissingFieldRendersEmpty(t *testing.T) {
	out := render("Hello {{name}}", map[string]any{})
	assert.Equal(t, "Hello ", out)
}

func TestPersonalize_AppliesRolePrefixLocaleAndTimezone(t *testing.T) {
	tmpl := Template{
		PersonalizationRules: PersonalizationRules{
			RolePrefixField: "role",
			LocaleField:     "locale",
			TimezoneField:   "timezone",
		},
	}
	subject, body := personalize(tmpl, "Decision ready", "Your manuscript has been reviewed.", map[string]any{
		"role":     "editor",
		"locale":   "en-US",
		"timezone": "UTC",
	})
	assert.Equal(t, "[editor] Decision ready", subject)
	assert.Contains(t, body, "(en-US)")
	assert.Contains(t, body, "[timezone: UTC]")
}

func TestPersonalize_NoRulesConfiguredLeavesUnchanged(t *testing.T) {
	subject, body := personalize(Template{}, "subj", "body", map[string]any{"role": "editor"})
	assert.Equal(t, "subj", subject)
	assert.Equal(t, "body", body)
}

func TestEvaluateSendConditions_RequiredFieldMissingFails(t *testing.T) {
	conditions := []SendCondition{{Field: "accepted", Required: true}}
	assert.False(t, evaluateSendConditions(conditions, map[string]any{}))
}

func TestEvaluateSendConditions_RequiredEqualsMismatchFails(t *testing.T) {
	conditions := []SendCondition{{Field: "status", Equals: "accepted", Required: true}}
	assert.False(t, evaluateSendConditions(conditions, map[string]any{"status": "rejected"}))
	assert.True(t, evaluateSendConditions(conditions, map[string]any{"status": "accepted"}))
}

func TestEvaluateSendConditions_NonRequiredConditionIgnoredWhenUnmet(t *testing.T) {
	conditions := []SendCondition{{Field: "optional", Required: false}}
	assert.True(t, evaluateSendConditions(conditions, map[string]any{}))
}

func TestEvaluateSendConditions_EmptyConditionsAlwaysPass(t *testing.T) {
	assert.True(t, evaluateSendConditions(nil, map[string]any{}))
}
