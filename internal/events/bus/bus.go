// Package bus provides the in-process notification backbone between taskdeck
// services. Per-task ordered streaming to clients lives in the hub package;
// the bus carries decoupled lifecycle notifications (task created, status
// changed, secret saved) between components that must not know each other.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Subjects published by the core services. Wildcards follow NATS syntax:
// * matches one token, > matches the rest.
const (
	SubjectTaskCreated   = "task.created"
	SubjectTaskUpdated   = "task.updated"
	SubjectTaskDeleted   = "task.deleted"
	SubjectTaskStatus    = "task.status"
	SubjectSecretSaved   = "secret.saved"
	SubjectSecretDeleted = "secret.deleted"
)

// Event represents a message on the event bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"` // Service that produced the event
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus interface for event bus operations.
type EventBus interface {
	// Publish sends an event to a subject
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the connection
	Close()

	// IsConnected returns connection status
	IsConnected() bool
}
