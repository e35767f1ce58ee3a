package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/docdb-driver/drc/internal/models"
)

// EventType represents the type of event
type EventType string

const (
	// Topology change notifications announced by the service
	EventTypeRangeSplit EventType = "topology.split"
	EventTypeRangeMerge EventType = "topology.merge"
	EventTypeRangeMoved EventType = "topology.moved"
)

// EventTypeForChange maps a change kind to its event type.
func EventTypeForChange(kind models.ChangeKind) (EventType, error) {
	switch kind {
	case models.ChangeKindSplit:
		return EventTypeRangeSplit, nil
	case models.ChangeKindMerge:
		return EventTypeRangeMerge, nil
	case models.ChangeKindMoved:
		return EventTypeRangeMoved, nil
	default:
		return "", fmt.Errorf("unknown topology change kind: %q", kind)
	}
}

// Event represents a notification carried on the bus
type Event struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	Source    string          `json:"source"`
	Subject   string          `json:"subject"`
	Data      json.RawMessage `json:"data"`
	TraceID   string          `json:"trace_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Version   string          `json:"version"`
}

// NewEvent creates a new event with generated ID and timestamp
func NewEvent(eventType EventType, source, subject string, data json.RawMessage) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Subject:   subject,
		Data:      data,
		Timestamp: time.Now().UTC(),
		Version:   "1.0",
	}
}

// NewTopologyEvent wraps a topology change. The collection is the subject.
func NewTopologyEvent(source string, change *models.TopologyChange) (*Event, error) {
	if change == nil || change.Collection == "" {
		return nil, fmt.Errorf("topology change requires a collection")
	}
	eventType, err := EventTypeForChange(change.Kind)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(change)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal topology change: %w", err)
	}
	return NewEvent(eventType, source, change.Collection, data), nil
}

// WithTraceID adds a trace ID to the event
func (e *Event) WithTraceID(traceID string) *Event {
	e.TraceID = traceID
	return e
}

// TopologyChange decodes the event payload.
func (e *Event) TopologyChange() (*models.TopologyChange, error) {
	var change models.TopologyChange
	if err := json.Unmarshal(e.Data, &change); err != nil {
		return nil, fmt.Errorf("failed to decode topology change %s: %w", e.ID, err)
	}
	if change.Collection == "" {
		change.Collection = e.Subject
	}
	return &change, nil
}

// EventHandler defines the interface for handling events
type EventHandler interface {
	Handle(ctx context.Context, event *Event) error
}

// EventHandlerFunc is a function adapter for EventHandler
type EventHandlerFunc func(ctx context.Context, event *Event) error

func (f EventHandlerFunc) Handle(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// EventBus defines the interface for event publishing and subscription
type EventBus interface {
	PublishEvent(ctx context.Context, event *Event) error
	SubscribeToEventType(ctx context.Context, eventType EventType, handler EventHandler) error
	SubscribeToPattern(ctx context.Context, pattern string, handler EventHandler) error
	UnsubscribeFromEventType(eventType EventType) error
	Close() error
}
