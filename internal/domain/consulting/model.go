package consulting

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type SlotStatus string

const (
	StatusActive   SlotStatus = "active"
	StatusInactive SlotStatus = "inactive"
)

func (s SlotStatus) Valid() bool {
	return s == StatusActive || s == StatusInactive
}

// Slot is a concrete bookable window published by one specialist.
type Slot struct {
	ID              uuid.UUID  `json:"id"`
	SpecialistID    string     `json:"specialist_id"`
	SpecialistEmail string     `json:"specialist_email,omitempty"`
	Window          TimeWindow `json:"window"`
	DurationMinutes int        `json:"duration_minutes"`
	TotalCapacity   int        `json:"total_capacity"`
	Bookings        []Booking  `json:"bookings"`
	Status          SlotStatus `json:"status"`
	Notes           string     `json:"notes,omitempty"`
	Version         int64      `json:"version"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Booking is one customer's seat on a slot.
type Booking struct {
	ID            uuid.UUID     `json:"id"`
	CustomerID    string        `json:"customer_id"`
	CustomerEmail string        `json:"customer_email,omitempty"`
	CustomerName  string        `json:"customer_name,omitempty"`
	BookedAt      time.Time     `json:"booked_at"`
	MeetingRef    *string       `json:"meeting_ref,omitempty"`
	Cancellation  *Cancellation `json:"cancellation,omitempty"`
}

type Cancellation struct {
	Reason      string    `json:"reason,omitempty"`
	CancelledAt time.Time `json:"cancelled_at"`
	CancelledBy string    `json:"cancelled_by"`
}

func (s *Slot) BookedCount() int { return len(s.Bookings) }

func (s *Slot) IsFullyBooked() bool { return len(s.Bookings) >= s.TotalCapacity }

func (s *Slot) RemainingCapacity() int {
	if r := s.TotalCapacity - len(s.Bookings); r > 0 {
		return r
	}
	return 0
}

// HasCustomer reports whether customerID already holds a booking.
func (s *Slot) HasCustomer(customerID string) bool {
	for _, b := range s.Bookings {
		if b.CustomerID == customerID {
			return true
		}
	}
	return false
}

// IsPast reports whether the slot window has started at now.
func (s *Slot) IsPast(now time.Time) bool {
	return !now.Before(s.Window.StartAt())
}

// IsUpcoming reports whether the slot's date is today or later in the
// slot's own timezone.
func (s *Slot) IsUpcoming(now time.Time) bool {
	loc, err := s.Window.Location()
	if err != nil {
		loc = time.UTC
	}
	return !s.Window.Date.Before(Today(loc, now))
}

// Clone returns a deep copy so callers can never mutate repository state.
func (s *Slot) Clone() *Slot {
	if s == nil {
		return nil
	}
	cp := *s
	if s.Bookings != nil {
		cp.Bookings = make([]Booking, len(s.Bookings))
		for i, b := range s.Bookings {
			cp.Bookings[i] = b.clone()
		}
	}
	return &cp
}

func (b Booking) clone() Booking {
	if b.MeetingRef != nil {
		ref := *b.MeetingRef
		b.MeetingRef = &ref
	}
	if b.Cancellation != nil {
		c := *b.Cancellation
		b.Cancellation = &c
	}
	return b
}

func (s *Slot) MarshalJSON() ([]byte, error) {
	type alias Slot
	bookings := s.Bookings
	if bookings == nil {
		bookings = []Booking{}
	}
	a := alias(*s)
	a.Bookings = bookings
	return json.Marshal(struct {
		alias
		BookedCount   int  `json:"booked_count"`
		IsFullyBooked bool `json:"is_fully_booked"`
	}{
		alias:         a,
		BookedCount:   s.BookedCount(),
		IsFullyBooked: s.IsFullyBooked(),
	})
}

// Filter selects a subset of a specialist's slots.
type Filter string

const (
	FilterAll       Filter = "all"
	FilterUpcoming  Filter = "upcoming"
	FilterPast      Filter = "past"
	FilterAvailable Filter = "available"
	FilterBooked    Filter = "booked"
)

// ParseFilter maps a query value onto a Filter. Empty means all.
func ParseFilter(s string) (Filter, error) {
	switch f := Filter(s); f {
	case "":
		return FilterAll, nil
	case FilterAll, FilterUpcoming, FilterPast, FilterAvailable, FilterBooked:
		return f, nil
	default:
		return "", newErrorf(KindInvalidRange, "unknown filter %q", s)
	}
}

// Match reports whether sl belongs to the filter at now.
func (f Filter) Match(sl *Slot, now time.Time) bool {
	switch f {
	case FilterUpcoming:
		return sl.IsUpcoming(now)
	case FilterPast:
		return !sl.IsUpcoming(now)
	case FilterAvailable:
		return sl.IsUpcoming(now) && sl.Status == StatusActive && !sl.IsFullyBooked()
	case FilterBooked:
		return sl.BookedCount() > 0
	default:
		return true
	}
}

// Stats summarises all slots of one specialist.
type Stats struct {
	TotalSlots    int `json:"totalSlots"`
	ActiveSlots   int `json:"activeSlots"`
	TotalBookings int `json:"totalBookings"`
}

func computeStats(slots []*Slot) Stats {
	var st Stats
	for _, sl := range slots {
		st.TotalSlots++
		if sl.Status == StatusActive {
			st.ActiveSlots++
		}
		st.TotalBookings += sl.BookedCount()
	}
	return st
}

type CreateSlotInput struct {
	SpecialistID    string
	SpecialistEmail string
	Window          TimeWindow
	TotalCapacity   int
	Notes           string
	Status          SlotStatus
}

// EditSlotInput carries optional changes. Nil fields are left untouched.
type EditSlotInput struct {
	Date          *Date
	Start         *Clock
	End           *Clock
	Status        *SlotStatus
	Notes         *string
	TotalCapacity *int
}

func (in EditSlotInput) changesWindow() bool {
	return in.Date != nil || in.Start != nil || in.End != nil
}

// GenerationResult reports the outcome of one generator run.
type GenerationResult struct {
	Count   int `json:"count"`
	Skipped int `json:"skipped"`
}

type BookInput struct {
	SlotID        uuid.UUID
	CustomerID    string
	CustomerEmail string
	CustomerName  string
}

// BookingReceipt is returned to the customer after a successful booking.
type BookingReceipt struct {
	BookingID     uuid.UUID  `json:"booking_id"`
	SlotID        uuid.UUID  `json:"slot_id"`
	SpecialistID  string     `json:"specialist_id"`
	Window        TimeWindow `json:"window"`
	BookedAt      time.Time  `json:"booked_at"`
	BookedCount   int        `json:"booked_count"`
	TotalCapacity int        `json:"total_capacity"`
}

// BookingRef identifies a booking on a slot by exactly one of its id, its
// customer, or its position in the slot's live booking list.
type BookingRef struct {
	BookingID  uuid.UUID
	CustomerID string
	Index      *int
}

// Actor is the caller of a cancellation.
type Actor struct {
	ID      string
	IsAdmin bool
}

type CancelInput struct {
	SlotID uuid.UUID
	Ref    BookingRef
	Reason string
	Actor  Actor
}
