// Package bus provides the event bus abstraction used to decouple task
// transitions from the scheduler and other listeners.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is a message on the event bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent creates an event with a fresh id and current timestamp.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler processes one delivered event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is an active subscription handle.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the publish/subscribe surface. Subjects use dot-separated
// tokens with NATS-style wildcards (* single token, > rest).
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	Close()
	IsConnected() bool
}
