package consulting

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/slotbook/slotbook/internal/platform/events"
)

const (
	DefaultOperationTimeout     = 5 * time.Second
	DefaultCancellationLeadTime = 24 * time.Hour
)

// BookingObserver receives the outcome of every Book and Cancel call.
type BookingObserver interface {
	ObserveBooking(result string, elapsed time.Duration)
	ObserveCancellation(result string, elapsed time.Duration)
}

type EngineConfig struct {
	// OperationTimeout bounds each Book/Cancel call unless the caller's
	// deadline is sooner.
	OperationTimeout time.Duration
	// CancellationLeadTime is how long before the slot start a booking
	// can still be cancelled.
	CancellationLeadTime time.Duration
	Now                  func() time.Time
}

// Engine reserves and releases seats on slots.
type Engine struct {
	slots     SlotRepository
	publisher events.Publisher
	observer  BookingObserver
	timeout   time.Duration
	leadTime  time.Duration
	now       func() time.Time
	log       zerolog.Logger
}

func NewEngine(slots SlotRepository, publisher events.Publisher, observer BookingObserver, cfg EngineConfig, logger zerolog.Logger) *Engine {
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = DefaultOperationTimeout
	}
	if cfg.CancellationLeadTime < 0 {
		cfg.CancellationLeadTime = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Engine{
		slots:     slots,
		publisher: publisher,
		observer:  observer,
		timeout:   cfg.OperationTimeout,
		leadTime:  cfg.CancellationLeadTime,
		now:       cfg.Now,
		log:       logger.With().Str("component", "booking_engine").Logger(),
	}
}

// Book reserves one seat on the slot for the customer.
func (e *Engine) Book(ctx context.Context, in BookInput) (receipt *BookingReceipt, err error) {
	start := time.Now()
	defer func() { e.observe(e.observerBook, err, start) }()

	in.CustomerID = strings.TrimSpace(in.CustomerID)
	if in.SlotID == uuid.Nil {
		return nil, newError(KindInvalidRange, "slot id is required")
	}
	if in.CustomerID == "" {
		return nil, newError(KindInvalidRange, "customer id is required")
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	sl, err := e.slots.GetByID(ctx, in.SlotID)
	if err != nil {
		return nil, e.mapErr(ctx, err)
	}
	now := e.now()
	switch {
	case sl.Status != StatusActive:
		return nil, ErrInactive
	case sl.IsPast(now):
		return nil, ErrPastSlot
	case sl.HasCustomer(in.CustomerID):
		return nil, ErrDuplicateBooking
	}

	b := Booking{
		ID:            uuid.New(),
		CustomerID:    in.CustomerID,
		CustomerEmail: in.CustomerEmail,
		CustomerName:  in.CustomerName,
		BookedAt:      now.UTC(),
	}
	after, err := e.slots.AddBooking(ctx, in.SlotID, b)
	if err != nil {
		return nil, e.mapErr(ctx, err)
	}

	e.log.Info().Str("slot_id", after.ID.String()).Str("booking_id", b.ID.String()).
		Str("customer_id", b.CustomerID).Int("booked", after.BookedCount()).
		Int("capacity", after.TotalCapacity).Msg("booking created")

	e.publish(ctx, events.BookingCreatedV1{
		BookingID:       b.ID.String(),
		SlotID:          after.ID.String(),
		SpecialistID:    after.SpecialistID,
		SpecialistEmail: after.SpecialistEmail,
		CustomerID:      b.CustomerID,
		CustomerEmail:   b.CustomerEmail,
		CustomerName:    b.CustomerName,
		Date:            after.Window.Date.String(),
		StartTime:       after.Window.Start.String(),
		EndTime:         after.Window.End.String(),
		Timezone:        after.Window.Timezone,
		StartsAt:        after.Window.StartAt(),
		EndsAt:          after.Window.EndAt(),
		BookedAt:        b.BookedAt,
		BookedCount:     after.BookedCount(),
		TotalCapacity:   after.TotalCapacity,
	})

	return &BookingReceipt{
		BookingID:     b.ID,
		SlotID:        after.ID,
		SpecialistID:  after.SpecialistID,
		Window:        after.Window,
		BookedAt:      b.BookedAt,
		BookedCount:   after.BookedCount(),
		TotalCapacity: after.TotalCapacity,
	}, nil
}

// Cancel removes the referenced booking from the slot and returns it with
// its cancellation details filled in. A second cancel of the same booking
// reports NotFound.
func (e *Engine) Cancel(ctx context.Context, in CancelInput) (cancelled *Booking, err error) {
	start := time.Now()
	defer func() { e.observe(e.observerCancel, err, start) }()

	if in.SlotID == uuid.Nil {
		return nil, newError(KindInvalidRange, "slot id is required")
	}
	if in.Ref.BookingID == uuid.Nil && strings.TrimSpace(in.Ref.CustomerID) == "" && in.Ref.Index == nil {
		return nil, newError(KindInvalidRange, "booking reference is required")
	}
	if in.Actor.ID == "" && !in.Actor.IsAdmin {
		return nil, ErrForbidden
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	now := e.now()
	match := func(sl *Slot) (int, error) {
		idx := findBooking(sl, in.Ref)
		if idx < 0 {
			return -1, newError(KindNotFound, "booking not found")
		}
		b := sl.Bookings[idx]
		if !in.Actor.IsAdmin && in.Actor.ID != b.CustomerID && in.Actor.ID != sl.SpecialistID {
			return -1, ErrForbidden
		}
		if deadline := sl.Window.StartAt().Add(-e.leadTime); !now.Before(deadline) {
			return -1, newErrorf(KindTooLate, "bookings can only be cancelled until %s", deadline.Format(time.RFC3339))
		}
		return idx, nil
	}

	sl, removed, err := e.slots.RemoveBooking(ctx, in.SlotID, match)
	if err != nil {
		return nil, e.mapErr(ctx, err)
	}
	removed.Cancellation = &Cancellation{
		Reason:      strings.TrimSpace(in.Reason),
		CancelledAt: now.UTC(),
		CancelledBy: in.Actor.ID,
	}

	e.log.Info().Str("slot_id", sl.ID.String()).Str("booking_id", removed.ID.String()).
		Str("cancelled_by", in.Actor.ID).Msg("booking cancelled")

	evt := events.BookingCancelledV1{
		BookingID:       removed.ID.String(),
		SlotID:          sl.ID.String(),
		SpecialistID:    sl.SpecialistID,
		SpecialistEmail: sl.SpecialistEmail,
		CustomerID:      removed.CustomerID,
		CustomerEmail:   removed.CustomerEmail,
		CustomerName:    removed.CustomerName,
		Date:            sl.Window.Date.String(),
		StartTime:       sl.Window.Start.String(),
		EndTime:         sl.Window.End.String(),
		Timezone:        sl.Window.Timezone,
		StartsAt:        sl.Window.StartAt(),
		Reason:          removed.Cancellation.Reason,
		CancelledBy:     removed.Cancellation.CancelledBy,
		CancelledAt:     removed.Cancellation.CancelledAt,
	}
	if removed.MeetingRef != nil {
		evt.MeetingRef = *removed.MeetingRef
	}
	e.publish(ctx, evt)

	return removed, nil
}

// AttachMeetingRef records the opaque meeting reference on a live booking.
func (e *Engine) AttachMeetingRef(ctx context.Context, slotID, bookingID uuid.UUID, ref string) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	if err := e.slots.SetMeetingRef(ctx, slotID, bookingID, ref); err != nil {
		return e.mapErr(ctx, err)
	}
	return nil
}

func findBooking(sl *Slot, ref BookingRef) int {
	switch {
	case ref.BookingID != uuid.Nil:
		for i, b := range sl.Bookings {
			if b.ID == ref.BookingID {
				return i
			}
		}
	case strings.TrimSpace(ref.CustomerID) != "":
		for i, b := range sl.Bookings {
			if b.CustomerID == strings.TrimSpace(ref.CustomerID) {
				return i
			}
		}
	case ref.Index != nil:
		if *ref.Index >= 0 && *ref.Index < len(sl.Bookings) {
			return *ref.Index
		}
	}
	return -1
}

// mapErr turns deadline expiry into a Timeout error. Domain errors pass
// through unchanged.
func (e *Engine) mapErr(ctx context.Context, err error) error {
	if KindOf(err) != "" {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return newError(KindTimeout, "booking operation timed out")
	}
	return err
}

func (e *Engine) publish(ctx context.Context, evt events.Event) {
	if err := e.publisher.Publish(context.WithoutCancel(ctx), evt); err != nil {
		e.log.Warn().Err(err).Str("event_type", evt.EventType()).Msg("publish event failed")
	}
}

func (e *Engine) observerBook(result string, elapsed time.Duration) {
	e.observer.ObserveBooking(result, elapsed)
}

func (e *Engine) observerCancel(result string, elapsed time.Duration) {
	e.observer.ObserveCancellation(result, elapsed)
}

func (e *Engine) observe(fn func(string, time.Duration), err error, start time.Time) {
	if e.observer == nil {
		return
	}
	fn(resultLabel(err), time.Since(start))
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if k := KindOf(err); k != "" {
		return string(k)
	}
	return "error"
}
