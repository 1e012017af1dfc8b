package consulting

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const maxEditAttempts = 3

// StoreConfig tunes a Store. Zero values fall back to defaults.
type StoreConfig struct {
	DefaultCapacity int
	Now             func() time.Time
}

// Store is the single source of truth for slots and availability templates.
type Store struct {
	slots           SlotRepository
	templates       TemplateRepository
	defaultCapacity int
	now             func() time.Time
	log             zerolog.Logger
}

func NewStore(slots SlotRepository, templates TemplateRepository, cfg StoreConfig, logger zerolog.Logger) *Store {
	if cfg.DefaultCapacity < 1 {
		cfg.DefaultCapacity = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		slots:           slots,
		templates:       templates,
		defaultCapacity: cfg.DefaultCapacity,
		now:             cfg.Now,
		log:             logger.With().Str("component", "slot_store").Logger(),
	}
}

// Create validates the input and inserts a new slot, rejecting windows that
// overlap one of the specialist's active slots.
func (s *Store) Create(ctx context.Context, in CreateSlotInput) (*Slot, error) {
	in.SpecialistID = strings.TrimSpace(in.SpecialistID)
	if in.SpecialistID == "" {
		return nil, newError(KindInvalidRange, "specialist_id is required")
	}
	if in.Status == "" {
		in.Status = StatusActive
	}
	if !in.Status.Valid() {
		return nil, newErrorf(KindInvalidRange, "invalid status %q", in.Status)
	}
	if in.TotalCapacity == 0 {
		in.TotalCapacity = s.defaultCapacity
	}
	if in.TotalCapacity < 1 {
		return nil, newError(KindInvalidRange, "total capacity must be at least 1")
	}
	if err := in.Window.Validate(); err != nil {
		return nil, err
	}
	if err := s.checkNotPast(in.Window); err != nil {
		return nil, err
	}

	sl := &Slot{
		SpecialistID:    in.SpecialistID,
		SpecialistEmail: in.SpecialistEmail,
		Window:          in.Window,
		DurationMinutes: in.Window.DurationMinutes(),
		TotalCapacity:   in.TotalCapacity,
		Status:          in.Status,
		Notes:           in.Notes,
	}

	err := s.slots.WithSpecialistLock(ctx, sl.SpecialistID, func(ctx context.Context) error {
		if sl.Status == StatusActive {
			existing, err := s.slots.ListBySpecialist(ctx, sl.SpecialistID)
			if err != nil {
				return err
			}
			if conflicts := FindConflicts(sl.Window, existing, uuid.Nil); len(conflicts) > 0 {
				return conflictError(conflicts)
			}
		}
		return s.slots.Create(ctx, sl)
	})
	if err != nil {
		return nil, err
	}

	s.log.Debug().Str("slot_id", sl.ID.String()).Str("specialist_id", sl.SpecialistID).
		Str("window", sl.Window.String()).Msg("slot created")
	return sl, nil
}

// Edit applies the non-nil fields of in to the slot. A booked slot's window
// may only grow: same date, start no later, end no earlier.
func (s *Store) Edit(ctx context.Context, id uuid.UUID, in EditSlotInput) (*Slot, error) {
	if in.TotalCapacity != nil && *in.TotalCapacity < 1 {
		return nil, newError(KindInvalidRange, "total capacity must be at least 1")
	}
	if in.Status != nil && !in.Status.Valid() {
		return nil, newErrorf(KindInvalidRange, "invalid status %q", *in.Status)
	}

	for attempt := 1; ; attempt++ {
		sl, err := s.editOnce(ctx, id, in)
		if errors.Is(err, errVersionConflict) && attempt < maxEditAttempts {
			s.log.Debug().Str("slot_id", id.String()).Int("attempt", attempt).Msg("slot changed during edit, retrying")
			continue
		}
		if errors.Is(err, errVersionConflict) {
			return nil, newError(KindConflict, "slot is being modified concurrently, try again")
		}
		return sl, err
	}
}

func (s *Store) editOnce(ctx context.Context, id uuid.UUID, in EditSlotInput) (*Slot, error) {
	cur, err := s.slots.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	var out *Slot
	err = s.slots.WithSpecialistLock(ctx, cur.SpecialistID, func(ctx context.Context) error {
		cur, err := s.slots.GetByID(ctx, id)
		if err != nil {
			return err
		}
		next := cur.Clone()
		if in.Date != nil {
			next.Window.Date = *in.Date
		}
		if in.Start != nil {
			next.Window.Start = *in.Start
		}
		if in.End != nil {
			next.Window.End = *in.End
		}
		if in.Status != nil {
			next.Status = *in.Status
		}
		if in.Notes != nil {
			next.Notes = *in.Notes
		}
		if in.TotalCapacity != nil {
			next.TotalCapacity = *in.TotalCapacity
		}

		windowChanged := next.Window != cur.Window
		if windowChanged {
			if err := next.Window.Validate(); err != nil {
				return err
			}
			if err := s.checkNotPast(next.Window); err != nil {
				return err
			}
			if cur.BookedCount() > 0 && !widens(cur.Window, next.Window) {
				return newError(KindHasBookings, "slot has bookings; its window can only be extended on the same date")
			}
		}
		if next.TotalCapacity < cur.BookedCount() {
			return newErrorf(KindHasBookings, "capacity %d is below the %d current bookings", next.TotalCapacity, cur.BookedCount())
		}

		reactivated := next.Status == StatusActive && cur.Status != StatusActive
		if next.Status == StatusActive && (windowChanged || reactivated) {
			existing, err := s.slots.ListBySpecialist(ctx, cur.SpecialistID)
			if err != nil {
				return err
			}
			if conflicts := FindConflicts(next.Window, existing, cur.ID); len(conflicts) > 0 {
				return conflictError(conflicts)
			}
		}

		if err := s.slots.Update(ctx, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// widens reports whether next keeps every instant of cur.
func widens(cur, next TimeWindow) bool {
	return next.Date == cur.Date && next.Timezone == cur.Timezone &&
		next.Start <= cur.Start && next.End >= cur.End
}

// Delete removes a slot that has no bookings.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.slots.Delete(ctx, id); err != nil {
		return err
	}
	s.log.Debug().Str("slot_id", id.String()).Msg("slot deleted")
	return nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Slot, error) {
	return s.slots.GetByID(ctx, id)
}

// List returns the specialist's slots matching filter, ordered by date and
// start time.
func (s *Store) List(ctx context.Context, specialistID string, filter Filter) ([]*Slot, error) {
	all, err := s.slots.ListBySpecialist(ctx, specialistID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := make([]*Slot, 0, len(all))
	for _, sl := range all {
		if filter.Match(sl, now) {
			out = append(out, sl)
		}
	}
	SortSlots(out)
	return out, nil
}

// Stats counts over every slot of the specialist, regardless of filter.
func (s *Store) Stats(ctx context.Context, specialistID string) (Stats, error) {
	all, err := s.slots.ListBySpecialist(ctx, specialistID)
	if err != nil {
		return Stats{}, err
	}
	return computeStats(all), nil
}

// GetTemplate returns the saved template, or a fully disabled one if the
// specialist never saved any.
func (s *Store) GetTemplate(ctx context.Context, specialistID string) (*AvailabilityTemplate, error) {
	t, err := s.templates.Get(ctx, specialistID)
	if errors.Is(err, ErrNotFound) {
		return NewAvailabilityTemplate(specialistID, "UTC", s.defaultCapacity), nil
	}
	if err != nil {
		return nil, err
	}
	if t.DefaultCapacity < 1 {
		t.DefaultCapacity = s.defaultCapacity
	}
	return t, nil
}

func (s *Store) SaveTemplate(ctx context.Context, t *AvailabilityTemplate) (*AvailabilityTemplate, error) {
	if t == nil || strings.TrimSpace(t.SpecialistID) == "" {
		return nil, newError(KindInvalidRange, "specialist_id is required")
	}
	if t.DefaultCapacity == 0 {
		t.DefaultCapacity = s.defaultCapacity
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	saved := t.Clone()
	ts := s.now().UTC()
	saved.LastSavedAt = &ts
	if err := s.templates.Save(ctx, saved); err != nil {
		return nil, err
	}
	return saved, nil
}

func (s *Store) checkNotPast(w TimeWindow) error {
	loc, err := w.Location()
	if err != nil {
		return err
	}
	if today := Today(loc, s.now()); w.Date.Before(today) {
		return newErrorf(KindInvalidRange, "date %s is in the past", w.Date)
	}
	return nil
}
