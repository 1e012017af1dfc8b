//go:build integration

package integration

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slotbook/slotbook/internal/domain/consulting"
	"github.com/slotbook/slotbook/internal/platform/db"
	"github.com/slotbook/slotbook/migrations"
)

func futureWindow(t *testing.T, daysAhead int, start, end string) consulting.TimeWindow {
	t.Helper()
	s, err := consulting.ParseClock(start)
	require.NoError(t, err)
	e, err := consulting.ParseClock(end)
	require.NoError(t, err)
	return consulting.TimeWindow{
		Date:     consulting.DateOf(time.Now().UTC().AddDate(0, 0, daysAhead)),
		Start:    s,
		End:      e,
		Timezone: "UTC",
	}
}

func specialistID() string { return "sp-" + uuid.NewString()[:8] }

func TestMigrationsAreIdempotent(t *testing.T) {
	n, err := db.NewMigrator(pool, migrations.FS, zerolog.Nop()).Up(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestConcurrentBookingsRespectCapacity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sl, err := h.store.Create(ctx, consulting.CreateSlotInput{
		SpecialistID:  specialistID(),
		Window:        futureWindow(t, 5, "09:00", "10:00"),
		TotalCapacity: 5,
	})
	require.NoError(t, err)

	var ok, full atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.engine.Book(ctx, consulting.BookInput{SlotID: sl.ID, CustomerID: fmt.Sprintf("cu-%d", i)})
			switch {
			case err == nil:
				ok.Add(1)
			case consulting.KindOf(err) == consulting.KindSlotFull:
				full.Add(1)
			default:
				t.Errorf("customer %d: unexpected error %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(5), ok.Load())
	assert.Equal(t, int32(35), full.Load())
	got, err := h.store.Get(ctx, sl.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.BookedCount())
	assert.True(t, got.IsFullyBooked())
}

func TestSameCustomerRacesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sl, err := h.store.Create(ctx, consulting.CreateSlotInput{
		SpecialistID:  specialistID(),
		Window:        futureWindow(t, 5, "11:00", "12:00"),
		TotalCapacity: 3,
	})
	require.NoError(t, err)

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.engine.Book(ctx, consulting.BookInput{SlotID: sl.ID, CustomerID: "cu-same"}); err == nil {
				ok.Add(1)
			} else if consulting.KindOf(err) != consulting.KindDuplicateBooking {
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok.Load())
}

func TestConcurrentOverlappingCreates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	spec := specialistID()
	w := futureWindow(t, 6, "09:00", "10:00")

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.store.Create(ctx, consulting.CreateSlotInput{SpecialistID: spec, Window: w, TotalCapacity: 1})
			if err == nil {
				ok.Add(1)
			} else if consulting.KindOf(err) != consulting.KindConflict {
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok.Load())
}

func TestCancelThenRebook(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sl, err := h.store.Create(ctx, consulting.CreateSlotInput{
		SpecialistID:  specialistID(),
		Window:        futureWindow(t, 7, "14:00", "15:00"),
		TotalCapacity: 1,
	})
	require.NoError(t, err)

	_, err = h.engine.Book(ctx, consulting.BookInput{SlotID: sl.ID, CustomerID: "cu-a"})
	require.NoError(t, err)
	_, err = h.engine.Book(ctx, consulting.BookInput{SlotID: sl.ID, CustomerID: "cu-b"})
	assert.Equal(t, consulting.KindSlotFull, consulting.KindOf(err))

	_, err = h.engine.Cancel(ctx, consulting.CancelInput{
		SlotID: sl.ID,
		Ref:    consulting.BookingRef{CustomerID: "cu-a"},
		Actor:  consulting.Actor{ID: "cu-a"},
	})
	require.NoError(t, err)

	_, err = h.engine.Book(ctx, consulting.BookInput{SlotID: sl.ID, CustomerID: "cu-b"})
	require.NoError(t, err)

	err = h.store.Delete(ctx, sl.ID)
	assert.Equal(t, consulting.KindHasBookings, consulting.KindOf(err))
}

func TestGenerationIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	spec := specialistID()

	tmpl := consulting.NewAvailabilityTemplate(spec, "UTC", 2)
	tmpl.BulkEnable(time.Monday, time.Wednesday)
	_, err := h.store.SaveTemplate(ctx, tmpl)
	require.NoError(t, err)

	first, err := h.generator.GenerateFromSaved(ctx, spec, 14)
	require.NoError(t, err)
	assert.Positive(t, first.Count)

	second, err := h.generator.GenerateFromSaved(ctx, spec, 14)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Count)
	assert.GreaterOrEqual(t, second.Skipped, first.Count)
}
