package consulting

import (
	"errors"
	"fmt"
)

// ErrorKind classifies the recoverable failures of slot and booking operations.
type ErrorKind string

const (
	KindInvalidRange     ErrorKind = "INVALID_RANGE"
	KindConflict         ErrorKind = "CONFLICT"
	KindNotFound         ErrorKind = "NOT_FOUND"
	KindHasBookings      ErrorKind = "HAS_BOOKINGS"
	KindInactive         ErrorKind = "INACTIVE"
	KindPastSlot         ErrorKind = "PAST_SLOT"
	KindDuplicateBooking ErrorKind = "DUPLICATE_BOOKING"
	KindSlotFull         ErrorKind = "SLOT_FULL"
	KindForbidden        ErrorKind = "FORBIDDEN"
	KindTooLate          ErrorKind = "TOO_LATE"
	KindNoAvailability   ErrorKind = "NO_AVAILABILITY"
	KindTimeout          ErrorKind = "TIMEOUT"
)

var defaultMessages = map[ErrorKind]string{
	KindInvalidRange:     "invalid time range",
	KindConflict:         "slot overlaps an existing active slot",
	KindNotFound:         "not found",
	KindHasBookings:      "slot has bookings",
	KindInactive:         "slot is not active",
	KindPastSlot:         "slot has already started",
	KindDuplicateBooking: "customer already holds a booking on this slot",
	KindSlotFull:         "slot is fully booked",
	KindForbidden:        "not allowed to act on this slot",
	KindTooLate:          "too late to cancel this booking",
	KindNoAvailability:   "No active availability schedule",
	KindTimeout:          "operation timed out",
}

// Error is the typed domain error. Two Errors match under errors.Is when
// their kinds are equal, so the sentinels below can be used as targets.
type Error struct {
	Kind      ErrorKind
	Message   string
	Conflicts []*Slot
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return defaultMessages[e.Kind]
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrInvalidRange     = &Error{Kind: KindInvalidRange}
	ErrConflict         = &Error{Kind: KindConflict}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrHasBookings      = &Error{Kind: KindHasBookings}
	ErrInactive         = &Error{Kind: KindInactive}
	ErrPastSlot         = &Error{Kind: KindPastSlot}
	ErrDuplicateBooking = &Error{Kind: KindDuplicateBooking}
	ErrSlotFull         = &Error{Kind: KindSlotFull}
	ErrForbidden        = &Error{Kind: KindForbidden}
	ErrTooLate          = &Error{Kind: KindTooLate}
	ErrNoAvailability   = &Error{Kind: KindNoAvailability}
	ErrTimeout          = &Error{Kind: KindTimeout}

	// errVersionConflict is returned by repositories when a slot changed
	// between read and write. Store.Edit retries on it.
	errVersionConflict = errors.New("slot version changed")
)

func newError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func newErrorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func conflictError(conflicts []*Slot) *Error {
	return &Error{
		Kind:      KindConflict,
		Message:   fmt.Sprintf("slot overlaps %d existing active slot(s)", len(conflicts)),
		Conflicts: conflicts,
	}
}

// KindOf returns the kind of the first domain error in err's chain, or "" if
// err is nil or carries no domain error.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// ConflictsOf returns the conflicting slots carried by a Conflict error.
func ConflictsOf(err error) []*Slot {
	var de *Error
	if errors.As(err, &de) {
		return de.Conflicts
	}
	return nil
}
