package dispatch

import (
	"fmt"
	"regexp"
	"strings"
)

// PersonalizationRules configure locale/role/timezone adjustments applied
// after rendering.
type PersonalizationRules struct {
	LocaleField    string `json:"locale_field"`
	RolePrefixField string `json:"role_prefix_field"`
	TimezoneField  string `json:"timezone_field"`
}

// SendCondition is a required key/value the context must satisfy for the
// message to be sent at all — any unmet required condition drops the send.
type SendCondition struct {
	Field    string `json:"field"`
	Equals   any    `json:"equals,omitempty"`
	Required bool   `json:"required"`
}

// FollowUpRule schedules a second message after a delay if a condition on
// the original message's outcome holds.
type FollowUpRule struct {
	AfterDelay       string `json:"after_delay"` // e.g. "48h", parsed via time.ParseDuration
	IfStatus         Status `json:"if_status"`
	FollowUpTemplate string `json:"follow_up_template"`
}

// Template is a reusable message shape rendered against a context.
type Template struct {
	ID                   string                 `json:"id"`
	SubjectPattern       string                 `json:"subject_pattern"`
	BodyPattern          string                 `json:"body_pattern"`
	Channel              Channel                `json:"channel"`
	AgentID              string                 `json:"agent_id"`
	Scenario             string                 `json:"scenario"`
	Variables            []string               `json:"variables"`
	PersonalizationRules PersonalizationRules   `json:"personalization_rules"`
	SendConditions       []SendCondition        `json:"send_conditions"`
	FollowUpRules        []FollowUpRule         `json:"follow_up_rules"`
}

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// render substitutes {{field}} placeholders in pattern from context. A
// missing field renders as an empty string rather than failing the send —
// templates are authored by agents, not end users, so a missing variable is
// a template bug, not cause to drop the message.
func render(pattern string, context map[string]any) string {
	return placeholderPattern.ReplaceAllStringFunc(pattern, func(match string) string {
		key := strings.TrimSpace(placeholderPattern.FindStringSubmatch(match)[1])
		if v, ok := context[key]; ok {
			return fmt.Sprintf("%v", v)
		}
		return ""
	})
}

// personalize applies locale/role-prefix/timezone adjustments to a rendered
// subject/body pair, per PersonalizationRules.
func personalize(t Template, subject, body string, context map[string]any) (string, string) {
	if t.PersonalizationRules.RolePrefixField != "" {
		if role, ok := context[t.PersonalizationRules.RolePrefixField]; ok {
			subject = fmt.Sprintf("[%v] %s", role, subject)
		}
	}
	if t.PersonalizationRules.LocaleField != "" {
		if locale, ok := context[t.PersonalizationRules.LocaleField]; ok {
			body = fmt.Sprintf("%s\n\n(%v)", body, locale)
		}
	}
	if t.PersonalizationRules.TimezoneField != "" {
		if tz, ok := context[t.PersonalizationRules.TimezoneField]; ok {
			body = fmt.Sprintf("%s\n[timezone: %v]", body, tz)
		}
	}
	return subject, body
}

// evaluateSendConditions reports whether every required condition is met.
func evaluateSendConditions(conditions []SendCondition, context map[string]any) bool {
	for _, c := range conditions {
		if !c.Required {
			continue
		}
		v, ok := context[c.Field]
		if !ok {
			return false
		}
		if c.Equals != nil && fmt.Sprintf("%v", v) != fmt.Sprintf("%v", c.Equals) {
			return false
		}
	}
	return true
}
