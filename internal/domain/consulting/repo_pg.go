package consulting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/slotbook/slotbook/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// PgxPool is the subset of *pgxpool.Pool the repositories use.
type PgxPool interface {
	queryable
	Begin(ctx context.Context) (pgx.Tx, error)
}

const pgUniqueViolation = "23505"

// =========== Slot Repository ===========

type slotRepoPG struct{ pool PgxPool }

// NewSlotRepoPG returns a Postgres-backed SlotRepository.
func NewSlotRepoPG(pool PgxPool) SlotRepository { return &slotRepoPG{pool: pool} }

func (r *slotRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const slotCols = `id, specialist_id, specialist_email, slot_date, start_minute, end_minute,
	timezone, duration_minutes, total_capacity, status, notes, version, created_at, updated_at`

const bookingCols = `id, slot_id, customer_id, customer_email, customer_name, booked_at, meeting_ref`

func (r *slotRepoPG) scanSlot(row pgx.Row) (*Slot, error) {
	var (
		sl         Slot
		date       time.Time
		start, end int
		status     string
	)
	err := row.Scan(&sl.ID, &sl.SpecialistID, &sl.SpecialistEmail, &date, &start, &end,
		&sl.Window.Timezone, &sl.DurationMinutes, &sl.TotalCapacity, &status, &sl.Notes,
		&sl.Version, &sl.CreatedAt, &sl.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sl.Window.Date = DateOf(date)
	sl.Window.Start, sl.Window.End = Clock(start), Clock(end)
	sl.Status = SlotStatus(status)
	return &sl, nil
}

func scanBooking(row pgx.Row) (uuid.UUID, Booking, error) {
	var (
		b      Booking
		slotID uuid.UUID
	)
	err := row.Scan(&b.ID, &slotID, &b.CustomerID, &b.CustomerEmail, &b.CustomerName, &b.BookedAt, &b.MeetingRef)
	return slotID, b, err
}

func (r *slotRepoPG) WithSpecialistLock(ctx context.Context, specialistID string, fn func(ctx context.Context) error) error {
	return db.InTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, specialistID); err != nil {
			return fmt.Errorf("lock specialist %s: %w", specialistID, err)
		}
		return fn(ctx)
	})
}

func (r *slotRepoPG) Create(ctx context.Context, sl *Slot) error {
	if sl.ID == uuid.Nil {
		sl.ID = uuid.New()
	}
	sl.Version = 1
	sl.DurationMinutes = sl.Window.DurationMinutes()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO consulting_slot (id, specialist_id, specialist_email, slot_date, start_minute, end_minute,
			timezone, duration_minutes, total_capacity, booked_count, status, notes, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,0,$10,$11,$12)
		RETURNING created_at, updated_at`,
		sl.ID, sl.SpecialistID, sl.SpecialistEmail, sl.Window.Date.In(time.UTC), int(sl.Window.Start), int(sl.Window.End),
		sl.Window.Timezone, sl.DurationMinutes, sl.TotalCapacity, string(sl.Status), sl.Notes, sl.Version,
	).Scan(&sl.CreatedAt, &sl.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert slot: %w", err)
	}
	return nil
}

func (r *slotRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Slot, error) {
	return r.getSlot(ctx, id, false)
}

func (r *slotRepoPG) getSlot(ctx context.Context, id uuid.UUID, forUpdate bool) (*Slot, error) {
	q := `SELECT ` + slotCols + ` FROM consulting_slot WHERE id = $1`
	if forUpdate {
		q += ` FOR UPDATE`
	}
	sl, err := r.scanSlot(r.conn(ctx).QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select slot: %w", err)
	}
	if err := r.loadBookings(ctx, sl); err != nil {
		return nil, err
	}
	return sl, nil
}

func (r *slotRepoPG) loadBookings(ctx context.Context, sl *Slot) error {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+bookingCols+` FROM slot_booking WHERE slot_id = $1 ORDER BY seq`, sl.ID)
	if err != nil {
		return fmt.Errorf("select bookings: %w", err)
	}
	defer rows.Close()
	sl.Bookings = nil
	for rows.Next() {
		_, b, err := scanBooking(rows)
		if err != nil {
			return fmt.Errorf("scan booking: %w", err)
		}
		sl.Bookings = append(sl.Bookings, b)
	}
	return rows.Err()
}

func (r *slotRepoPG) Update(ctx context.Context, sl *Slot) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE consulting_slot SET slot_date=$2, start_minute=$3, end_minute=$4, timezone=$5,
			duration_minutes=$6, status=$7, notes=$8, total_capacity=$9,
			version=version+1, updated_at=NOW()
		WHERE id = $1 AND version = $10 AND booked_count <= $9
		RETURNING version, updated_at`,
		sl.ID, sl.Window.Date.In(time.UTC), int(sl.Window.Start), int(sl.Window.End), sl.Window.Timezone,
		sl.Window.DurationMinutes(), string(sl.Status), sl.Notes, sl.TotalCapacity, sl.Version,
	).Scan(&sl.Version, &sl.UpdatedAt)
	if err == nil {
		sl.DurationMinutes = sl.Window.DurationMinutes()
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("update slot: %w", err)
	}

	var version int64
	var booked int
	err = r.conn(ctx).QueryRow(ctx, `SELECT version, booked_count FROM consulting_slot WHERE id = $1`, sl.ID).Scan(&version, &booked)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("select slot version: %w", err)
	case version != sl.Version:
		return errVersionConflict
	default:
		return newErrorf(KindHasBookings, "capacity %d is below the %d current bookings", sl.TotalCapacity, booked)
	}
}

func (r *slotRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM consulting_slot WHERE id = $1 AND booked_count = 0`, id)
	if err != nil {
		return fmt.Errorf("delete slot: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var booked int
	err = r.conn(ctx).QueryRow(ctx, `SELECT booked_count FROM consulting_slot WHERE id = $1`, id).Scan(&booked)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("select slot: %w", err)
	}
	return newErrorf(KindHasBookings, "slot has %d booking(s) and cannot be deleted", booked)
}

func (r *slotRepoPG) ListBySpecialist(ctx context.Context, specialistID string) ([]*Slot, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+slotCols+` FROM consulting_slot
		WHERE specialist_id = $1 ORDER BY slot_date, start_minute`, specialistID)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	var items []*Slot
	byID := make(map[uuid.UUID]*Slot)
	for rows.Next() {
		sl, err := r.scanSlot(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan slot: %w", err)
		}
		items = append(items, sl)
		byID[sl.ID] = sl
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	if len(items) == 0 {
		return nil, nil
	}

	brows, err := r.conn(ctx).Query(ctx, `SELECT b.id, b.slot_id, b.customer_id, b.customer_email, b.customer_name,
			b.booked_at, b.meeting_ref
		FROM slot_booking b JOIN consulting_slot s ON s.id = b.slot_id
		WHERE s.specialist_id = $1 ORDER BY b.seq`, specialistID)
	if err != nil {
		return nil, fmt.Errorf("list bookings: %w", err)
	}
	defer brows.Close()
	for brows.Next() {
		slotID, b, err := scanBooking(brows)
		if err != nil {
			return nil, fmt.Errorf("scan booking: %w", err)
		}
		if sl, ok := byID[slotID]; ok {
			sl.Bookings = append(sl.Bookings, b)
		}
	}
	return items, brows.Err()
}

func (r *slotRepoPG) AddBooking(ctx context.Context, slotID uuid.UUID, b Booking) (*Slot, error) {
	var out *Slot
	err := db.InTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE consulting_slot SET booked_count = booked_count + 1, version = version + 1, updated_at = NOW()
			WHERE id = $1 AND status = 'active' AND booked_count < total_capacity`, slotID)
		if err != nil {
			return fmt.Errorf("reserve seat: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return r.explainRejectedBooking(ctx, tx, slotID, b.CustomerID)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO slot_booking (id, slot_id, customer_id, customer_email, customer_name, booked_at, meeting_ref)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			b.ID, slotID, b.CustomerID, b.CustomerEmail, b.CustomerName, b.BookedAt, b.MeetingRef)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
				return ErrDuplicateBooking
			}
			return fmt.Errorf("insert booking: %w", err)
		}

		out, err = r.getSlot(ctx, slotID, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// explainRejectedBooking works out why the conditional seat reservation
// matched no row.
func (r *slotRepoPG) explainRejectedBooking(ctx context.Context, tx pgx.Tx, slotID uuid.UUID, customerID string) error {
	var (
		status           string
		booked, capacity int
		holds            bool
	)
	err := tx.QueryRow(ctx, `
		SELECT s.status, s.booked_count, s.total_capacity,
			EXISTS (SELECT 1 FROM slot_booking b WHERE b.slot_id = s.id AND b.customer_id = $2)
		FROM consulting_slot s WHERE s.id = $1`, slotID, customerID).Scan(&status, &booked, &capacity, &holds)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("select slot: %w", err)
	case SlotStatus(status) != StatusActive:
		return ErrInactive
	case holds:
		return ErrDuplicateBooking
	default:
		return ErrSlotFull
	}
}

func (r *slotRepoPG) RemoveBooking(ctx context.Context, slotID uuid.UUID, match BookingMatcher) (*Slot, *Booking, error) {
	var (
		before  *Slot
		removed Booking
	)
	err := db.InTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		sl, err := r.getSlot(ctx, slotID, true)
		if err != nil {
			return err
		}
		idx, err := match(sl)
		if err != nil {
			return err
		}
		if idx < 0 || idx >= len(sl.Bookings) {
			return newError(KindNotFound, "booking not found")
		}
		removed = sl.Bookings[idx]

		if _, err := tx.Exec(ctx, `DELETE FROM slot_booking WHERE id = $1`, removed.ID); err != nil {
			return fmt.Errorf("delete booking: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE consulting_slot SET booked_count = booked_count - 1, version = version + 1, updated_at = NOW()
			WHERE id = $1`, slotID); err != nil {
			return fmt.Errorf("release seat: %w", err)
		}
		before = sl
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return before, &removed, nil
}

func (r *slotRepoPG) SetMeetingRef(ctx context.Context, slotID, bookingID uuid.UUID, ref string) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE slot_booking SET meeting_ref = $3 WHERE slot_id = $1 AND id = $2`, slotID, bookingID, ref)
	if err != nil {
		return fmt.Errorf("set meeting ref: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return newError(KindNotFound, "booking not found")
	}
	return nil
}

// =========== Template Repository ===========

type templateRepoPG struct{ pool PgxPool }

// NewTemplateRepoPG returns a Postgres-backed TemplateRepository.
func NewTemplateRepoPG(pool PgxPool) TemplateRepository { return &templateRepoPG{pool: pool} }

func (r *templateRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *templateRepoPG) Get(ctx context.Context, specialistID string) (*AvailabilityTemplate, error) {
	var (
		t       AvailabilityTemplate
		days    []byte
		savedAt time.Time
	)
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT specialist_id, timezone, default_capacity, days, last_saved_at
		FROM availability_template WHERE specialist_id = $1`, specialistID,
	).Scan(&t.SpecialistID, &t.Timezone, &t.DefaultCapacity, &days, &savedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, newError(KindNotFound, "availability template not found")
	}
	if err != nil {
		return nil, fmt.Errorf("select template: %w", err)
	}
	if err := json.Unmarshal(days, &t.Days); err != nil {
		return nil, fmt.Errorf("decode template days: %w", err)
	}
	t.LastSavedAt = &savedAt
	return &t, nil
}

func (r *templateRepoPG) Save(ctx context.Context, t *AvailabilityTemplate) error {
	days, err := json.Marshal(t.Days)
	if err != nil {
		return fmt.Errorf("encode template days: %w", err)
	}
	savedAt := time.Now().UTC()
	if t.LastSavedAt != nil {
		savedAt = *t.LastSavedAt
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO availability_template (specialist_id, timezone, default_capacity, days, last_saved_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (specialist_id) DO UPDATE SET timezone = EXCLUDED.timezone,
			default_capacity = EXCLUDED.default_capacity, days = EXCLUDED.days,
			last_saved_at = EXCLUDED.last_saved_at`,
		t.SpecialistID, t.Timezone, t.DefaultCapacity, days, savedAt)
	if err != nil {
		return fmt.Errorf("upsert template: %w", err)
	}
	return nil
}
