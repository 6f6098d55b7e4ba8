package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/akashi/internal/runtimeerr"
)

// Dispatcher renders, personalizes, gates, and delivers messages from
// templates (spec §4.8). Its background loop periodically checks pending
// messages against each template's escalation rules — structurally the same
// ticker-driven shape as syncer.Worker.
type Dispatcher struct {
	mu        sync.Mutex
	templates map[string]Template
	messages  map[string]*Message
	providers ChannelProviders
	environment string
	logger    *slog.Logger
}

// New builds a Dispatcher. environment is typically "production" or "dev";
// in production every channel reachable from a registered template must
// have a non-noop provider (checked by RegisterTemplate).
func New(providers ChannelProviders, environment string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		templates:   make(map[string]Template),
		messages:    make(map[string]*Message),
		providers:   providers,
		environment: environment,
		logger:      logger,
	}
}

// RegisterTemplate adds or replaces a template. In production, registering a
// template whose channel has no real provider configured is a configuration
// error, surfaced immediately rather than at send time.
func (d *Dispatcher) RegisterTemplate(t Template) error {
	if d.environment == "production" {
		if err := d.providers.ValidateForProduction([]Channel{t.Channel}); err != nil {
			return err
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.templates[t.ID] = t
	return nil
}

// Send renders templateID against context, applies personalization and send
// conditions, and delivers to recipient. Returns the Message whether or not
// it was actually delivered (status reflects the outcome); callers that need
// to distinguish a dropped send from a delivered one inspect msg.Status.
func (d *Dispatcher) Send(ctx context.Context, templateID, recipient string, msgContext map[string]any, priority Priority) (Message, error) {
	d.mu.Lock()
	t, ok := d.templates[templateID]
	d.mu.Unlock()
	if !ok {
		return Message{}, fmt.Errorf("dispatch: unknown template %q", templateID)
	}

	msg := d.build(t, recipient, msgContext, priority)

	if !evaluateSendConditions(t.SendConditions, msgContext) {
		msg.Status = StatusFailed
		d.store(&msg)
		return msg, nil
	}

	if err := d.deliver(ctx, &msg, t); err != nil {
		return msg, err
	}
	return msg, nil
}

// Broadcast sends templateID to every recipient, continuing past individual
// failures and returning every resulting Message in recipient order.
func (d *Dispatcher) Broadcast(ctx context.Context, templateID string, recipients []string, msgContext map[string]any) ([]Message, error) {
	out := make([]Message, 0, len(recipients))
	for _, r := range recipients {
		msg, err := d.Send(ctx, templateID, r, msgContext, PriorityNormal)
		if err != nil {
			d.logger.Error("dispatch: broadcast send failed", "template_id", templateID, "recipient", r, "error", err)
		}
		out = append(out, msg)
	}
	return out, nil
}

func (d *Dispatcher) build(t Template, recipient string, msgContext map[string]any, priority Priority) Message {
	subject := render(t.SubjectPattern, msgContext)
	body := render(t.BodyPattern, msgContext)
	subject, body = personalize(t, subject, body, msgContext)

	return Message{
		ID:          uuid.New().String(),
		TemplateID:  t.ID,
		Recipient:   recipient,
		SenderAgent: t.AgentID,
		Subject:     subject,
		Body:        body,
		Channel:     t.Channel,
		Priority:    priority,
		ScheduledAt: time.Now().UTC(),
		Status:      StatusPending,
		Context:     msgContext,
	}
}

func (d *Dispatcher) deliver(ctx context.Context, msg *Message, t Template) error {
	provider, ok := d.providers[msg.Channel]
	if !ok {
		provider = NoopChannelProvider{}
	}
	if err := provider.Deliver(ctx, *msg); err != nil {
		if d.environment == "production" {
			return &runtimeerr.ConfigurationError{
				Component: "DISPATCH_CHANNEL_" + string(msg.Channel),
				Reason:    err.Error(),
			}
		}
		msg.Status = StatusFailed
		d.store(msg)
		return nil
	}
	now := time.Now().UTC()
	msg.SentAt = &now
	msg.Status = StatusSent
	d.store(msg)
	d.scheduleFollowUps(*msg, t)
	return nil
}

func (d *Dispatcher) store(msg *Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messages[msg.ID] = msg
}

// scheduleFollowUps records, for each follow-up rule whose IfStatus matches
// the message's outcome, the follow-up template and its due time in the
// message's Tracking map ("follow_up_template", "follow_up_due_at"); a later
// matching rule overwrites an earlier one. Nothing in this package reads
// those entries back or sends the follow-up message.
func (d *Dispatcher) scheduleFollowUps(msg Message, t Template) {
	for _, rule := range t.FollowUpRules {
		if rule.IfStatus != msg.Status {
			continue
		}
		delay, err := time.ParseDuration(rule.AfterDelay)
		if err != nil {
			d.logger.Warn("dispatch: invalid follow-up delay", "template_id", t.ID, "after_delay", rule.AfterDelay, "error", err)
			continue
		}
		d.mu.Lock()
		if d.messages[msg.ID].Tracking == nil {
			d.messages[msg.ID].Tracking = make(map[string]any)
		}
		d.messages[msg.ID].Tracking["follow_up_template"] = rule.FollowUpTemplate
		d.messages[msg.ID].Tracking["follow_up_due_at"] = time.Now().UTC().Add(delay)
		d.mu.Unlock()
	}
}

// RunEscalationChecks walks every stored message, firing an escalation
// message and incrementing EscalationCount for any that are due under rule.
// Intended to be called from a ticker loop (see Worker).
func (d *Dispatcher) RunEscalationChecks(ctx context.Context, rule EscalationRule) {
	now := time.Now().UTC()

	d.mu.Lock()
	due := make([]*Message, 0)
	for _, msg := range d.messages {
		if dueForEscalation(*msg, rule, now) {
			due = append(due, msg)
		}
	}
	d.mu.Unlock()

	for _, msg := range due {
		for _, recipient := range rule.Recipients {
			if _, err := d.Send(ctx, rule.Template, recipient, msg.Context, PriorityHigh); err != nil {
				d.logger.Error("dispatch: escalation send failed", "message_id", msg.ID, "error", err)
			}
		}
		d.mu.Lock()
		msg.EscalationCount++
		d.mu.Unlock()
	}
}

// Worker drives Dispatcher.RunEscalationChecks on a fixed interval.
type Worker struct {
	dispatcher *Dispatcher
	rules      []EscalationRule
}

// NewWorker builds a Worker checking rules on every tick.
func NewWorker(d *Dispatcher, rules []EscalationRule) *Worker {
	return &Worker{dispatcher: d, rules: rules}
}

// Run blocks, checking escalations every escalationCheckInterval until ctx
// is canceled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(escalationCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, rule := range w.rules {
				w.dispatcher.RunEscalationChecks(ctx, rule)
			}
		}
	}
}
