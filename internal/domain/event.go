package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventTaskDispatched      EventType = "task.dispatched"
	EventTaskCompleted       EventType = "task.completed"
	EventInvocationStarted   EventType = "invocation.started"
	EventInvocationCompleted EventType = "invocation.completed"
	EventCircuitStateChanged EventType = "circuit.state_changed"

	// Registry lifecycle events.
	EventRegistryReloaded EventType = "registry.reloaded"
	EventAgentRegistered  EventType = "agent.registered"
	EventAgentRemoved     EventType = "agent.removed"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	TaskID    string          `json:"task_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an event with a JSON-encoded payload. A payload that cannot
// be encoded is dropped rather than failing the publisher.
func NewEvent(typ EventType, taskID string, payload any) Event {
	ev := Event{Type: typ, Timestamp: time.Now(), TaskID: taskID}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			ev.Payload = raw
		}
	}
	return ev
}

// InvocationEventPayload accompanies invocation.completed.
type InvocationEventPayload struct {
	AgentID      string     `json:"agent_id"`
	InvocationID string     `json:"invocation_id,omitempty"`
	Status       TaskStatus `json:"status"`
	DurationMS   int64      `json:"duration_ms"`
}

// CircuitEventPayload accompanies circuit.state_changed.
type CircuitEventPayload struct {
	AgentID string `json:"agent_id"`
	From    string `json:"from"`
	To      string `json:"to"`
}

// RegistryEventPayload accompanies registry.reloaded.
type RegistryEventPayload struct {
	Loaded  int      `json:"loaded"`
	Skipped []string `json:"skipped,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
