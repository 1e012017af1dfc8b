package consulting

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const dateLayout = "2006-01-02"

// Date is a calendar day with no time-of-day component.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("%w: invalid date %q", ErrInvalidRange, s)
	}
	return DateOf(t), nil
}

// DateOf returns the calendar day of t in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// Today returns the current calendar day in loc.
func Today(loc *time.Location, now time.Time) Date {
	if loc == nil {
		loc = time.UTC
	}
	return DateOf(now.In(loc))
}

// In returns midnight of d in loc.
func (d Date) In(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

func (d Date) IsZero() bool { return d == Date{} }

func (d Date) AddDays(n int) Date { return DateOf(d.In(time.UTC).AddDate(0, 0, n)) }

func (d Date) Weekday() time.Weekday { return d.In(time.UTC).Weekday() }

func (d Date) Before(o Date) bool { return d.Compare(o) < 0 }

func (d Date) After(o Date) bool { return d.Compare(o) > 0 }

// Compare returns -1, 0 or +1.
func (d Date) Compare(o Date) int {
	switch {
	case d.Year != o.Year:
		return cmpInt(d.Year, o.Year)
	case d.Month != o.Month:
		return cmpInt(int(d.Month), int(o.Month))
	default:
		return cmpInt(d.Day, o.Day)
	}
}

func (d Date) String() string { return d.In(time.UTC).Format(dateLayout) }

func (d Date) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

func (d *Date) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Clock is a time of day expressed in minutes since midnight. 24:00 is
// representable so a window may end at midnight.
type Clock int

const endOfDay Clock = 24 * 60

// NewClock builds a Clock from hours and minutes.
func NewClock(hour, minute int) Clock { return Clock(hour*60 + minute) }

// ParseClock accepts "HH:MM" or "HH:MM:SS".
func ParseClock(s string) (Clock, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("%w: invalid time of day %q", ErrInvalidRange, s)
	}
	var fields [3]int
	for i, p := range parts {
		if len(p) != 2 {
			return 0, fmt.Errorf("%w: invalid time of day %q", ErrInvalidRange, s)
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("%w: invalid time of day %q", ErrInvalidRange, s)
		}
		fields[i] = n
	}
	h, m, sec := fields[0], fields[1], fields[2]
	if m > 59 || sec > 59 || h > 24 || (h == 24 && (m != 0 || sec != 0)) {
		return 0, fmt.Errorf("%w: invalid time of day %q", ErrInvalidRange, s)
	}
	return NewClock(h, m), nil
}

func (c Clock) Hour() int   { return int(c) / 60 }
func (c Clock) Minute() int { return int(c) % 60 }

func (c Clock) Valid() bool { return c >= 0 && c <= endOfDay }

func (c Clock) String() string { return fmt.Sprintf("%02d:%02d", c.Hour(), c.Minute()) }

func (c Clock) MarshalJSON() ([]byte, error) { return json.Marshal(c.String()) }

func (c *Clock) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseClock(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// TimeWindow is a bookable interval on a single calendar day.
type TimeWindow struct {
	Date     Date   `json:"date"`
	Start    Clock  `json:"start_time"`
	End      Clock  `json:"end_time"`
	Timezone string `json:"timezone"`
}

// Validate checks the window bounds and timezone.
func (w TimeWindow) Validate() error {
	if w.Date.IsZero() {
		return newError(KindInvalidRange, "date is required")
	}
	if !w.Start.Valid() || !w.End.Valid() || w.Start == endOfDay {
		return newError(KindInvalidRange, "time of day out of range")
	}
	if w.Start >= w.End {
		return newError(KindInvalidRange, fmt.Sprintf("start time %s must be before end time %s", w.Start, w.End))
	}
	if _, err := w.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves the window timezone. An empty timezone means UTC.
func (w TimeWindow) Location() (*time.Location, error) {
	return loadLocation(w.Timezone)
}

func (w TimeWindow) DurationMinutes() int { return int(w.End - w.Start) }

// StartAt returns the absolute start instant of the window.
func (w TimeWindow) StartAt() time.Time {
	loc, err := w.Location()
	if err != nil {
		loc = time.UTC
	}
	return w.Date.In(loc).Add(time.Duration(w.Start) * time.Minute)
}

// EndAt returns the absolute end instant of the window.
func (w TimeWindow) EndAt() time.Time {
	loc, err := w.Location()
	if err != nil {
		loc = time.UTC
	}
	return w.Date.In(loc).Add(time.Duration(w.End) * time.Minute)
}

func (w TimeWindow) String() string {
	return fmt.Sprintf("%s %s-%s", w.Date, w.Start, w.End)
}

// Overlaps reports whether a and b fall on the same date and their half-open
// [start, end) ranges intersect.
func Overlaps(a, b TimeWindow) bool {
	if a.Date != b.Date {
		return false
	}
	return a.Start < b.End && b.Start < a.End
}

// Contains reports whether instant lies within [start, end) of w.
func Contains(w TimeWindow, instant time.Time) bool {
	start, end := w.StartAt(), w.EndAt()
	return !instant.Before(start) && instant.Before(end)
}

// ProjectWeekly produces one window per enabled weekday of t that occurs in
// the inclusive range [from, to], in ascending date order.
func ProjectWeekly(t *AvailabilityTemplate, from, to Date) ([]TimeWindow, error) {
	if t == nil {
		return nil, newError(KindInvalidRange, "template is required")
	}
	if to.Before(from) {
		return nil, newError(KindInvalidRange, fmt.Sprintf("range end %s is before start %s", to, from))
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}

	var windows []TimeWindow
	for d := from; !d.After(to); d = d.AddDays(1) {
		day, ok := t.Days[d.Weekday()]
		if !ok || !day.Enabled {
			continue
		}
		windows = append(windows, TimeWindow{
			Date:     d,
			Start:    day.Start,
			End:      day.End,
			Timezone: t.Timezone,
		})
	}
	return windows, nil
}

// FindConflicts returns the active slots among existing whose window overlaps
// candidate, skipping the slot with id exclude.
func FindConflicts(candidate TimeWindow, existing []*Slot, exclude uuid.UUID) []*Slot {
	var conflicts []*Slot
	for _, sl := range existing {
		if sl == nil || sl.ID == exclude || sl.Status != StatusActive {
			continue
		}
		if Overlaps(candidate, sl.Window) {
			conflicts = append(conflicts, sl)
		}
	}
	SortSlots(conflicts)
	return conflicts
}

// SortSlots orders slots by date then start time.
func SortSlots(slots []*Slot) {
	sort.SliceStable(slots, func(i, j int) bool {
		a, b := slots[i].Window, slots[j].Window
		if c := a.Date.Compare(b.Date); c != 0 {
			return c < 0
		}
		return a.Start < b.Start
	})
}

func loadLocation(tz string) (*time.Location, error) {
	if tz == "" || strings.EqualFold(tz, "UTC") {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, newError(KindInvalidRange, fmt.Sprintf("unknown timezone %q", tz))
	}
	return loc, nil
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
