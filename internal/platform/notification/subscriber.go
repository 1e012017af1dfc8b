package notification

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/slotbook/slotbook/internal/platform/events"
)

// Subscriber is satisfied by *events.Bus.
type Subscriber interface {
	Subscribe(eventType string, h events.Handler)
}

// Subscribe wires the notifier to booking events.
func (n *Notifier) Subscribe(bus Subscriber) {
	bus.Subscribe(events.BookingCreatedV1{}.EventType(), n.HandleEvent)
	bus.Subscribe(events.BookingCancelledV1{}.EventType(), n.HandleEvent)
}

type outbound struct {
	template string
	to, name string
}

// HandleEvent emails the customer and the specialist about a booking change.
// Parties without an email address are skipped.
func (n *Notifier) HandleEvent(ctx context.Context, evt events.Event) error {
	var (
		data  map[string]string
		sends []outbound
	)
	switch e := evt.(type) {
	case events.BookingCreatedV1:
		data = map[string]string{
			"booking_id":     e.BookingID,
			"customer_name":  displayName(e.CustomerName, e.CustomerID),
			"date":           e.Date,
			"start_time":     e.StartTime,
			"end_time":       e.EndTime,
			"timezone":       e.Timezone,
			"booked_count":   strconv.Itoa(e.BookedCount),
			"total_capacity": strconv.Itoa(e.TotalCapacity),
		}
		sends = []outbound{
			{TplBookingConfirmed, e.CustomerEmail, e.CustomerName},
			{TplBookingReceived, e.SpecialistEmail, ""},
		}
	case events.BookingCancelledV1:
		reason := e.Reason
		if reason == "" {
			reason = "not given"
		}
		data = map[string]string{
			"booking_id":    e.BookingID,
			"customer_name": displayName(e.CustomerName, e.CustomerID),
			"date":          e.Date,
			"start_time":    e.StartTime,
			"end_time":      e.EndTime,
			"timezone":      e.Timezone,
			"reason":        reason,
		}
		sends = []outbound{
			{TplBookingCancelled, e.CustomerEmail, e.CustomerName},
			{TplBookingCancelledSp, e.SpecialistEmail, ""},
		}
	default:
		return fmt.Errorf("notification: unexpected event %s", evt.EventType())
	}

	var errs []error
	for _, s := range sends {
		if s.to == "" {
			n.log.Debug().Str("template", s.template).Str("event_type", evt.EventType()).Msg("no recipient address, skipping")
			continue
		}
		if _, err := n.SendTemplate(ctx, s.template, s.to, s.name, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func displayName(name, id string) string {
	if name != "" {
		return name
	}
	return id
}
