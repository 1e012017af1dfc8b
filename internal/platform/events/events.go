// Package events carries booking domain events from the booking engine to
// in-process subscribers and to other services over Redis pub/sub.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event is a versioned domain event.
type Event interface {
	EventType() string
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Envelope is the wire form of an event.
type Envelope struct {
	EventID    uuid.UUID       `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

var (
	errNilEvent = errors.New("events: event required")
	nowFunc     = time.Now
)

// NewEnvelope marshals evt into an Envelope with a fresh id.
func NewEnvelope(evt Event) (Envelope, error) {
	if evt == nil {
		return Envelope{}, errNilEvent
	}
	eventType := strings.TrimSpace(evt.EventType())
	if eventType == "" {
		return Envelope{}, fmt.Errorf("events: event type missing")
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return Envelope{}, fmt.Errorf("events: marshal payload: %w", err)
	}
	return Envelope{
		EventID:    uuid.New(),
		EventType:  eventType,
		OccurredAt: nowFunc().UTC(),
		Payload:    payload,
	}, nil
}

// Decode unmarshals the envelope payload into the concrete type named by
// EventType.
func (e Envelope) Decode() (Event, error) {
	switch e.EventType {
	case BookingCreatedV1{}.EventType():
		var evt BookingCreatedV1
		if err := json.Unmarshal(e.Payload, &evt); err != nil {
			return nil, fmt.Errorf("events: decode %s: %w", e.EventType, err)
		}
		return evt, nil
	case BookingCancelledV1{}.EventType():
		var evt BookingCancelledV1
		if err := json.Unmarshal(e.Payload, &evt); err != nil {
			return nil, fmt.Errorf("events: decode %s: %w", e.EventType, err)
		}
		return evt, nil
	default:
		return nil, fmt.Errorf("events: unknown event type %q", e.EventType)
	}
}

// Fanout publishes every event to each of its publishers in order. All
// publishers are attempted; their errors are joined.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
