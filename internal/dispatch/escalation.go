package dispatch

import "time"

// EscalationRule governs when an unresolved message triggers a follow-up
// notification to a wider recipient set (spec §4.8).
type EscalationRule struct {
	TriggerCondition string        `json:"trigger_condition"` // status the original message must be stuck in, e.g. "pending"
	Delay            time.Duration `json:"delay"`
	Recipients       []string      `json:"recipients"`
	Template         string        `json:"template"`
	MaxEscalations   int           `json:"max_escalations"`
}

// escalationCheckInterval bounds how often the escalation checker runs; the
// design leaves the exact interval unspecified beyond "periodic, >= 60s".
const escalationCheckInterval = 2 * time.Minute

// dueForEscalation reports whether msg has sat in rule.TriggerCondition's
// status for at least rule.Delay and hasn't exhausted rule.MaxEscalations.
func dueForEscalation(msg Message, rule EscalationRule, now time.Time) bool {
	if msg.EscalationCount >= rule.MaxEscalations {
		return false
	}
	if string(msg.Status) != rule.TriggerCondition {
		return false
	}
	reference := msg.ScheduledAt
	if msg.SentAt != nil {
		reference = *msg.SentAt
	}
	return now.Sub(reference) >= rule.Delay
}
