package consulting

import (
	"encoding/json"
	"strings"
	"time"
)

var (
	defaultDayStart = NewClock(9, 0)
	defaultDayEnd   = NewClock(17, 0)
)

// DayAvailability is the bookable range for one weekday of a template.
type DayAvailability struct {
	Enabled bool  `json:"enabled"`
	Start   Clock `json:"start_time"`
	End     Clock `json:"end_time"`
}

// WeekSchedule maps weekdays to their availability. It encodes as a JSON
// object keyed by lowercase weekday names.
type WeekSchedule map[time.Weekday]DayAvailability

// ParseWeekday accepts full or three-letter English weekday names.
func ParseWeekday(s string) (time.Weekday, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || s == name[:3] {
			return d, true
		}
	}
	return 0, false
}

func (w WeekSchedule) MarshalJSON() ([]byte, error) {
	out := make(map[string]DayAvailability, len(w))
	for d, da := range w {
		out[strings.ToLower(d.String())] = da
	}
	return json.Marshal(out)
}

func (w *WeekSchedule) UnmarshalJSON(data []byte) error {
	var raw map[string]DayAvailability
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(WeekSchedule, len(raw))
	for name, da := range raw {
		d, ok := ParseWeekday(name)
		if !ok {
			return newErrorf(KindInvalidRange, "unknown weekday %q", name)
		}
		out[d] = da
	}
	*w = out
	return nil
}

// AvailabilityTemplate is a specialist's recurring weekly pattern. It is
// never booked directly; the generator projects it into concrete slots.
type AvailabilityTemplate struct {
	SpecialistID    string       `json:"specialist_id"`
	Timezone        string       `json:"timezone"`
	DefaultCapacity int          `json:"default_capacity"`
	Days            WeekSchedule `json:"days"`
	LastSavedAt     *time.Time   `json:"last_saved_at,omitempty"`
}

// NewAvailabilityTemplate returns a template with every weekday disabled.
func NewAvailabilityTemplate(specialistID, timezone string, defaultCapacity int) *AvailabilityTemplate {
	t := &AvailabilityTemplate{
		SpecialistID:    specialistID,
		Timezone:        timezone,
		DefaultCapacity: defaultCapacity,
		Days:            make(WeekSchedule, 7),
	}
	t.DisableAll()
	return t
}

// SetDay replaces the availability of one weekday.
func (t *AvailabilityTemplate) SetDay(day time.Weekday, enabled bool, start, end Clock) error {
	if day < time.Sunday || day > time.Saturday {
		return newErrorf(KindInvalidRange, "invalid weekday %d", day)
	}
	da := DayAvailability{Enabled: enabled, Start: start, End: end}
	if enabled {
		if err := validateDay(day, da); err != nil {
			return err
		}
	}
	t.ensureDays()
	t.Days[day] = da
	return nil
}

// BulkEnable enables each given weekday, keeping configured hours and
// defaulting to 09:00-17:00 where none are set.
func (t *AvailabilityTemplate) BulkEnable(days ...time.Weekday) {
	t.ensureDays()
	for _, d := range days {
		if d < time.Sunday || d > time.Saturday {
			continue
		}
		da := t.Days[d]
		if da.Start >= da.End {
			da.Start, da.End = defaultDayStart, defaultDayEnd
		}
		da.Enabled = true
		t.Days[d] = da
	}
}

// DisableAll turns every weekday off. Hours are retained.
func (t *AvailabilityTemplate) DisableAll() {
	t.ensureDays()
	for d := time.Sunday; d <= time.Saturday; d++ {
		da := t.Days[d]
		da.Enabled = false
		t.Days[d] = da
	}
}

func (t *AvailabilityTemplate) HasEnabledDay() bool {
	for _, da := range t.Days {
		if da.Enabled {
			return true
		}
	}
	return false
}

// Validate checks every enabled day and the template timezone.
func (t *AvailabilityTemplate) Validate() error {
	if _, err := loadLocation(t.Timezone); err != nil {
		return err
	}
	if t.DefaultCapacity < 0 {
		return newError(KindInvalidRange, "default capacity must not be negative")
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		da, ok := t.Days[d]
		if !ok || !da.Enabled {
			continue
		}
		if err := validateDay(d, da); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy of the template.
func (t *AvailabilityTemplate) Clone() *AvailabilityTemplate {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Days = make(WeekSchedule, len(t.Days))
	for d, da := range t.Days {
		cp.Days[d] = da
	}
	if t.LastSavedAt != nil {
		ts := *t.LastSavedAt
		cp.LastSavedAt = &ts
	}
	return &cp
}

func (t *AvailabilityTemplate) ensureDays() {
	if t.Days == nil {
		t.Days = make(WeekSchedule, 7)
	}
}

func validateDay(day time.Weekday, da DayAvailability) error {
	if !da.Start.Valid() || !da.End.Valid() || da.Start == endOfDay {
		return newErrorf(KindInvalidRange, "%s: time of day out of range", day)
	}
	if da.Start >= da.End {
		return newErrorf(KindInvalidRange, "%s: start time %s must be before end time %s", day, da.Start, da.End)
	}
	return nil
}
