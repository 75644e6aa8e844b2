// Package bus moves agentdock's domain events between services: session
// lifecycle, task runs, schedule changes, interactions. Subjects are
// dot-separated tokens; a subscription pattern may use `*` to match any
// single token, mirroring NATS semantics so the in-memory bus and the
// NATS bus are interchangeable.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one domain event. Data carries the event-specific payload;
// consumers pick fields by key and tolerate missing ones.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent stamps a fresh event with an id and UTC timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler consumes one event. A returned error is logged by the
// bus; it does not stop the subscription.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is a handle for cancelling a subject subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the publish side and the subscribe side of the domain
// event stream. Delivery is at-most-once and ordered per subscription.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	Close()
	IsConnected() bool
}
