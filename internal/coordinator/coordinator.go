// Package coordinator owns one runtime.Agent per agent type and drives the
// fixed workflow DAGs of spec §4.6.
package coordinator

import (
	"fmt"
	"log/slog"

	"github.com/ashita-ai/akashi/internal/runtime"
)

// AgentProfile declares one agent type's trigger/notification/escalation
// wiring for event fan-out (spec §4.6). CriticalTriggers is a subset of
// Triggers: a match there also fans out to Escalations, not just
// Notifications ("critical triggers also notify escalations").
type AgentProfile struct {
	Triggers         map[string]struct{}
	CriticalTriggers map[string]struct{}
	Notifications    []string
	Escalations      []string
	DataSharing      []string
}

// Coordinator holds exactly one Agent per runtime.AgentType and the event
// bus that fans out trigger matches.
type Coordinator struct {
	agents   map[runtime.AgentType]*runtime.Agent
	profiles map[runtime.AgentType]AgentProfile
	events   *EventBus
	logger   *slog.Logger
}

// New builds a Coordinator over agents, one per type. profiles may omit
// types that declare no triggers/notifications/escalations.
func New(agents map[runtime.AgentType]*runtime.Agent, profiles map[runtime.AgentType]AgentProfile, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		agents:   agents,
		profiles: profiles,
		events:   NewEventBus(logger),
		logger:   logger,
	}
}

// Agent returns the agent of the given type, or nil if the coordinator was
// built without one.
func (c *Coordinator) Agent(t runtime.AgentType) *runtime.Agent {
	return c.agents[t]
}

// Events exposes the coordinator's event bus for subscribers.
func (c *Coordinator) Events() *EventBus {
	return c.events
}

func (c *Coordinator) agentOrErr(t runtime.AgentType) (*runtime.Agent, error) {
	a, ok := c.agents[t]
	if !ok || a == nil {
		return nil, fmt.Errorf("coordinator: no agent registered for type %q", t)
	}
	return a, nil
}
