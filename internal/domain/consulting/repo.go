package consulting

import (
	"context"

	"github.com/google/uuid"
)

// SlotRepository persists slots and their live bookings. Every method is
// all-or-nothing. Implementations return domain errors (NotFound, SlotFull,
// ...) for the outcomes callers branch on, and wrapped errors otherwise.
type SlotRepository interface {
	// WithSpecialistLock runs fn while holding an exclusive lock on the
	// specialist's slot set. The overlap check and the write it guards must
	// both happen inside fn using the ctx it receives.
	WithSpecialistLock(ctx context.Context, specialistID string, fn func(ctx context.Context) error) error

	Create(ctx context.Context, sl *Slot) error
	GetByID(ctx context.Context, id uuid.UUID) (*Slot, error)
	// Update writes the window, status, notes and capacity of sl if its
	// stored version still equals sl.Version, then bumps the version.
	Update(ctx context.Context, sl *Slot) error
	// Delete removes the slot only while it has no bookings.
	Delete(ctx context.Context, id uuid.UUID) error
	ListBySpecialist(ctx context.Context, specialistID string) ([]*Slot, error)

	// AddBooking appends b if the slot is active, b.CustomerID holds no
	// booking on it and a seat remains, as one indivisible step. It returns
	// the slot as it is after the append.
	AddBooking(ctx context.Context, slotID uuid.UUID, b Booking) (*Slot, error)
	// RemoveBooking removes the booking selected by match and returns it
	// together with the slot state before removal.
	RemoveBooking(ctx context.Context, slotID uuid.UUID, match BookingMatcher) (*Slot, *Booking, error)
	SetMeetingRef(ctx context.Context, slotID, bookingID uuid.UUID, ref string) error
}

// BookingMatcher selects the booking to remove and may veto the removal by
// returning an error. It is called with the repository's lock held.
type BookingMatcher func(sl *Slot) (int, error)

type TemplateRepository interface {
	Get(ctx context.Context, specialistID string) (*AvailabilityTemplate, error)
	Save(ctx context.Context, t *AvailabilityTemplate) error
}
