// Package dispatch implements the CommunicationDispatcher of spec §4.8:
// templated, personalized message emission gated by send conditions, with
// follow-up scheduling and periodic escalation — specified only at the
// interface level, since delivery channels themselves are out of scope.
package dispatch

import "time"

// Channel names a delivery mechanism for a Message.
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelSMS     Channel = "sms"
	ChannelChat    Channel = "chat"
	ChannelWebhook Channel = "webhook"
	ChannelInternal Channel = "internal"
)

// Priority orders competing messages within a channel's send queue.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Status is a Message's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusBounced   Status = "bounced"
)

// Message is one rendered, addressed communication.
type Message struct {
	ID             string         `json:"id"`
	TemplateID     string         `json:"template_id"`
	Recipient      string         `json:"recipient"`
	SenderAgent    string         `json:"sender_agent"`
	Subject        string         `json:"subject"`
	Body           string         `json:"body"`
	Channel        Channel        `json:"channel"`
	Priority       Priority       `json:"priority"`
	ScheduledAt    time.Time      `json:"scheduled_at"`
	SentAt         *time.Time     `json:"sent_at,omitempty"`
	Status         Status         `json:"status"`
	Context        map[string]any `json:"context"`
	Attachments    []string       `json:"attachments,omitempty"`
	Tracking       map[string]any `json:"tracking,omitempty"`
	EscalationCount int           `json:"escalation_count"`
}
