package events

import "time"

// BookingCreatedV1 is emitted after a seat is reserved on a slot.
type BookingCreatedV1 struct {
	BookingID       string    `json:"booking_id"`
	SlotID          string    `json:"slot_id"`
	SpecialistID    string    `json:"specialist_id"`
	SpecialistEmail string    `json:"specialist_email,omitempty"`
	CustomerID      string    `json:"customer_id"`
	CustomerEmail   string    `json:"customer_email,omitempty"`
	CustomerName    string    `json:"customer_name,omitempty"`
	Date            string    `json:"date"`
	StartTime       string    `json:"start_time"`
	EndTime         string    `json:"end_time"`
	Timezone        string    `json:"timezone"`
	StartsAt        time.Time `json:"starts_at"`
	EndsAt          time.Time `json:"ends_at"`
	BookedAt        time.Time `json:"booked_at"`
	BookedCount     int       `json:"booked_count"`
	TotalCapacity   int       `json:"total_capacity"`
}

func (BookingCreatedV1) EventType() string { return "consulting.booking.created.v1" }

// BookingCancelledV1 is emitted after a booking is removed from its slot.
type BookingCancelledV1 struct {
	BookingID       string    `json:"booking_id"`
	SlotID          string    `json:"slot_id"`
	SpecialistID    string    `json:"specialist_id"`
	SpecialistEmail string    `json:"specialist_email,omitempty"`
	CustomerID      string    `json:"customer_id"`
	CustomerEmail   string    `json:"customer_email,omitempty"`
	CustomerName    string    `json:"customer_name,omitempty"`
	Date            string    `json:"date"`
	StartTime       string    `json:"start_time"`
	EndTime         string    `json:"end_time"`
	Timezone        string    `json:"timezone"`
	StartsAt        time.Time `json:"starts_at"`
	MeetingRef      string    `json:"meeting_ref,omitempty"`
	Reason          string    `json:"reason,omitempty"`
	CancelledBy     string    `json:"cancelled_by"`
	CancelledAt     time.Time `json:"cancelled_at"`
}

func (BookingCancelledV1) EventType() string { return "consulting.booking.cancelled.v1" }
