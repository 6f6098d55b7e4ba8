package coordinator

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/akashi/internal/runtime"
)

func testEventLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEventBus_PublishDeliversToSubscriber(t *testing.T) {
	b := NewEventBus(testEventLogger())
	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()

	b.Publish(Event{Kind: "notification", Action: "assess", Target: "editorial"})

	select {
	case ev := <-ch:
		assert.Equal(t, "assess", ev.Action)
	case <-time.After(time.Second):
		t.Fatal("expected event delivery")
	}
}

func TestEventBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := NewEventBus(testEventLogger())
	ch, unsubscribe := b.Subscribe()
	unsubscribe()

	b.Publish(Event{Kind: "notification", Action: "assess"})

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")
}

func TestEventBus_FullBufferDropsRatherThanBlocks(t *testing.T) {
	b := NewEventBus(testEventLogger())
	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()

	for i := 0; i < eventBufferSize+10; i++ {
		b.Publish(Event{Kind: "notification", Action: "assess"})
	}
	assert.Len(t, ch, eventBufferSize)
}

func TestFireTriggers_NonMatchingActionFiresNothing(t *testing.T) {
	c := New(nil, map[runtime.AgentType]AgentProfile{}, testEventLogger())
	ch, unsubscribe := c.events.Subscribe()
	defer unsubscribe()

	profile := AgentProfile{Triggers: map[string]struct{}{"accept": {}}}
	c.fireTriggers(profile, "reject", nil)

	select {
	case <-ch:
		t.Fatal("expected no event for non-matching trigger")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFireTriggers_MatchedTriggerNotifiesButNotEscalatesWithoutCritical(t *testing.T) {
	c := New(nil, nil, testEventLogger())
	ch, unsubscribe := c.events.Subscribe()
	defer unsubscribe()

	profile := AgentProfile{
		Triggers:      map[string]struct{}{"accept": {}},
		Notifications: []string{"analytics"},
		Escalations:   []string{"editor-in-chief"},
	}
	c.fireTriggers(profile, "accept", map[string]any{"id": "m1"})

	ev := requireEvent(t, ch)
	assert.Equal(t, "notification", ev.Kind)
	assert.Equal(t, "analytics", ev.Target)

	select {
	case <-ch:
		t.Fatal("non-critical trigger must not escalate")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFireTriggers_CriticalTriggerAlsoEscalates(t *testing.T) {
	c := New(nil, nil, testEventLogger())
	ch, unsubscribe := c.events.Subscribe()
	defer unsubscribe()

	profile := AgentProfile{
		Triggers:         map[string]struct{}{"reject": {}},
		CriticalTriggers: map[string]struct{}{"reject": {}},
		Notifications:    []string{"analytics"},
		Escalations:      []string{"editor-in-chief"},
	}
	c.fireTriggers(profile, "reject", nil)

	first := requireEvent(t, ch)
	assert.Equal(t, "notification", first.Kind)
	second := requireEvent(t, ch)
	assert.Equal(t, "escalation", second.Kind)
	assert.Equal(t, "editor-in-chief", second.Target)
}

func requireEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		require.Fail(t, "expected an event")
		return Event{}
	}
}
