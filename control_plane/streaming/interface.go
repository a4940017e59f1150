package streaming

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is the envelope every publisher emits.
type Event struct {
	ID           string          `json:"id"`
	Topic        string          `json:"topic"`
	TenantID     string          `json:"tenant_id,omitempty"`
	ControllerID string          `json:"controller_id,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	Timestamp    time.Time       `json:"timestamp"`
	Source       string          `json:"source"`
}

// Publisher emits events. Events are observability and device hints, not
// control flow: callers log failures and carry on.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload interface{}) error
	Close() error
}

type Subscriber interface {
	Subscribe(ctx context.Context, topic string, handler func(event Event)) (Subscription, error)
}

type Subscription interface {
	Unsubscribe() error
}

// Scoped payloads name the tenant and device they concern so fan-out can filter.
type Scoped interface {
	Tenant() string
	Controller() string
}

const source = "control-plane"

// NewEvent wraps payload into an Event with a fresh ID.
func NewEvent(topic string, payload interface{}) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	ev := Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   data,
		Timestamp: time.Now().UTC(),
		Source:    source,
	}
	if s, ok := payload.(Scoped); ok {
		ev.TenantID = s.Tenant()
		ev.ControllerID = s.Controller()
	}
	return ev, nil
}
