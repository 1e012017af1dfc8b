package consulting

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memorySlot struct {
	mu      sync.Mutex
	slot    *Slot
	deleted bool
}

// MemoryRepository is an in-process SlotRepository and TemplateRepository.
// The map lock is always taken before a slot lock, never after.
type MemoryRepository struct {
	mu        sync.RWMutex
	slots     map[uuid.UUID]*memorySlot
	templates map[string]*AvailabilityTemplate

	locksMu         sync.Mutex
	specialistLocks map[string]*sync.Mutex

	now func() time.Time
	// afterLookup runs between finding an entry and locking it; tests use it
	// to interleave a Delete.
	afterLookup func(id uuid.UUID)
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		slots:           make(map[uuid.UUID]*memorySlot),
		templates:       make(map[string]*AvailabilityTemplate),
		specialistLocks: make(map[string]*sync.Mutex),
		now:             time.Now,
	}
}

func (r *MemoryRepository) specialistLock(id string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	l, ok := r.specialistLocks[id]
	if !ok {
		l = &sync.Mutex{}
		r.specialistLocks[id] = l
	}
	return l
}

func (r *MemoryRepository) WithSpecialistLock(ctx context.Context, specialistID string, fn func(ctx context.Context) error) error {
	l := r.specialistLock(specialistID)
	l.Lock()
	defer l.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

func (r *MemoryRepository) Create(ctx context.Context, sl *Slot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := r.now().UTC()
	if sl.ID == uuid.Nil {
		sl.ID = uuid.New()
	}
	sl.Version = 1
	sl.CreatedAt, sl.UpdatedAt = now, now

	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots[sl.ID] = &memorySlot{slot: sl.Clone()}
	return nil
}

func (r *MemoryRepository) entry(id uuid.UUID) (*memorySlot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.slots[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

// lockEntry returns the live entry for id with its lock held. An entry that
// was deleted while the caller waited for the lock is reported as not found.
func (r *MemoryRepository) lockEntry(id uuid.UUID) (*memorySlot, error) {
	e, err := r.entry(id)
	if err != nil {
		return nil, err
	}
	if r.afterLookup != nil {
		r.afterLookup(id)
	}
	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return nil, ErrNotFound
	}
	return e, nil
}

func (r *MemoryRepository) GetByID(ctx context.Context, id uuid.UUID) (*Slot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, err := r.lockEntry(id)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()
	return e.slot.Clone(), nil
}

func (r *MemoryRepository) Update(ctx context.Context, sl *Slot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e, err := r.lockEntry(sl.ID)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()
	if e.slot.Version != sl.Version {
		return errVersionConflict
	}
	if sl.TotalCapacity < e.slot.BookedCount() {
		return newErrorf(KindHasBookings, "capacity %d is below the %d current bookings", sl.TotalCapacity, e.slot.BookedCount())
	}
	cur := e.slot
	cur.Window = sl.Window
	cur.DurationMinutes = sl.Window.DurationMinutes()
	cur.Status = sl.Status
	cur.Notes = sl.Notes
	cur.TotalCapacity = sl.TotalCapacity
	cur.Version++
	cur.UpdatedAt = r.now().UTC()

	sl.Version = cur.Version
	sl.UpdatedAt = cur.UpdatedAt
	sl.DurationMinutes = cur.DurationMinutes
	sl.Bookings = cur.Clone().Bookings
	return nil
}

func (r *MemoryRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.slots[id]
	if !ok {
		return ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if n := e.slot.BookedCount(); n > 0 {
		return newErrorf(KindHasBookings, "slot has %d booking(s) and cannot be deleted", n)
	}
	e.deleted = true
	delete(r.slots, id)
	return nil
}

func (r *MemoryRepository) ListBySpecialist(ctx context.Context, specialistID string) ([]*Slot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	entries := make([]*memorySlot, 0, len(r.slots))
	for _, e := range r.slots {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var out []*Slot
	for _, e := range entries {
		e.mu.Lock()
		if !e.deleted && e.slot.SpecialistID == specialistID {
			out = append(out, e.slot.Clone())
		}
		e.mu.Unlock()
	}
	SortSlots(out)
	return out, nil
}

func (r *MemoryRepository) AddBooking(ctx context.Context, slotID uuid.UUID, b Booking) (*Slot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, err := r.lockEntry(slotID)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	sl := e.slot
	switch {
	case sl.Status != StatusActive:
		return nil, ErrInactive
	case sl.HasCustomer(b.CustomerID):
		return nil, ErrDuplicateBooking
	case sl.IsFullyBooked():
		return nil, ErrSlotFull
	}
	// The caller may have given up while waiting for the slot lock.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sl.Bookings = append(sl.Bookings, b.clone())
	sl.Version++
	sl.UpdatedAt = r.now().UTC()
	return sl.Clone(), nil
}

func (r *MemoryRepository) RemoveBooking(ctx context.Context, slotID uuid.UUID, match BookingMatcher) (*Slot, *Booking, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	e, err := r.lockEntry(slotID)
	if err != nil {
		return nil, nil, err
	}
	defer e.mu.Unlock()

	sl := e.slot
	before := sl.Clone()
	idx, err := match(before)
	if err != nil {
		return nil, nil, err
	}
	if idx < 0 || idx >= len(sl.Bookings) {
		return nil, nil, newError(KindNotFound, "booking not found")
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	removed := sl.Bookings[idx].clone()
	sl.Bookings = append(sl.Bookings[:idx:idx], sl.Bookings[idx+1:]...)
	sl.Version++
	sl.UpdatedAt = r.now().UTC()
	return before, &removed, nil
}

func (r *MemoryRepository) SetMeetingRef(ctx context.Context, slotID, bookingID uuid.UUID, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e, err := r.lockEntry(slotID)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()
	for i := range e.slot.Bookings {
		if e.slot.Bookings[i].ID == bookingID {
			v := ref
			e.slot.Bookings[i].MeetingRef = &v
			return nil
		}
	}
	return newError(KindNotFound, "booking not found")
}

func (r *MemoryRepository) Get(ctx context.Context, specialistID string) (*AvailabilityTemplate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[specialistID]
	if !ok {
		return nil, newError(KindNotFound, "availability template not found")
	}
	return t.Clone(), nil
}

func (r *MemoryRepository) Save(ctx context.Context, t *AvailabilityTemplate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[t.SpecialistID] = t.Clone()
	return nil
}
