package coordinator

import (
	"log/slog"
	"sync"
)

// Event is one fired trigger/notification/escalation delivered to subscribers.
type Event struct {
	Kind      string // "notification" or "escalation"
	Action    string
	Payload   map[string]any
	Target    string
}

// eventBufferSize bounds each subscriber channel; a slow subscriber drops
// events rather than blocking the workflow (spec §4.6: "best-effort and
// does not block the workflow"), matching the teacher's SSE Broker's
// fire-and-forget delivery discipline.
const eventBufferSize = 64

// EventBus fans out workflow events to subscriber channels, modeled on the
// teacher's Broker (internal/server/broker.go): a mutex-guarded subscriber
// map and buffered channels so a stalled reader never blocks the sender.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	logger      *slog.Logger
}

// NewEventBus builds an empty bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{subscribers: make(map[chan Event]struct{}), logger: logger}
}

// Subscribe registers a new buffered channel for events. Callers must call
// the returned unsubscribe function when done.
func (b *EventBus) Subscribe() (ch <-chan Event, unsubscribe func()) {
	c := make(chan Event, eventBufferSize)
	b.mu.Lock()
	b.subscribers[c] = struct{}{}
	b.mu.Unlock()

	return c, func() {
		b.mu.Lock()
		delete(b.subscribers, c)
		b.mu.Unlock()
		close(c)
	}
}

// Publish fans event out to every subscriber, dropping it for any
// subscriber whose buffer is full rather than blocking the caller.
func (b *EventBus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			b.logger.Warn("coordinator: event dropped, subscriber buffer full", "action", event.Action, "target", event.Target)
		}
	}
}

// fireTriggers publishes a notification to every declared notification
// target when actionType matches the profile's trigger set, and an
// escalation to every declared escalation target when actionType also
// matches the profile's critical-trigger subset (spec §4.6: "critical
// triggers also notify escalations"). Delivery is fire-and-forget: it never
// returns an error and never blocks the caller.
func (c *Coordinator) fireTriggers(agentTypeProfile AgentProfile, actionType string, payload map[string]any) {
	if _, matched := agentTypeProfile.Triggers[actionType]; !matched {
		return
	}
	for _, target := range agentTypeProfile.Notifications {
		c.events.Publish(Event{Kind: "notification", Action: actionType, Payload: payload, Target: target})
	}
	if _, critical := agentTypeProfile.CriticalTriggers[actionType]; !critical {
		return
	}
	for _, target := range agentTypeProfile.Escalations {
		c.events.Publish(Event{Kind: "escalation", Action: actionType, Payload: payload, Target: target})
	}
}
