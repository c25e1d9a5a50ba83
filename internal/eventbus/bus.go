// Package eventbus provides the lifecycle event bus abstraction used to
// publish agent and session transitions (spawned, stopped, deleted, evicted).
package eventbus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event represents a lifecycle notification on the bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates a new Event with a UUID and current UTC timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Subject names for lifecycle events.
const (
	SubjectAgentSpawned  = "agentdeck.agent.spawned"
	SubjectAgentStarted  = "agentdeck.agent.started"
	SubjectAgentStopped  = "agentdeck.agent.stopped"
	SubjectAgentDeleted  = "agentdeck.agent.deleted"
	SubjectSessionLaunch = "agentdeck.session.launched"
	SubjectSessionEvict  = "agentdeck.session.evicted"
	SubjectSessionDelete = "agentdeck.session.deleted"
)

// Handler handles a delivered event.
type Handler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus is the event bus interface implemented by the in-memory and NATS backends.
type Bus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	QueueSubscribe(subject, queue string, handler Handler) (Subscription, error)
	Close()
	IsConnected() bool
}
