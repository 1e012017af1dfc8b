package consulting

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

const MaxHorizonDays = 365

// GenerationObserver receives the outcome of each generator run.
type GenerationObserver interface {
	ObserveGeneration(specialistID string, created, skipped int, err error)
}

// Generator projects availability templates into concrete slots.
type Generator struct {
	store      *Store
	maxHorizon int
	observer   GenerationObserver
	log        zerolog.Logger
}

// NewGenerator builds a Generator. maxHorizon <= 0 means MaxHorizonDays.
func NewGenerator(store *Store, maxHorizon int, observer GenerationObserver, logger zerolog.Logger) *Generator {
	if maxHorizon <= 0 || maxHorizon > MaxHorizonDays {
		maxHorizon = MaxHorizonDays
	}
	return &Generator{
		store:      store,
		maxHorizon: maxHorizon,
		observer:   observer,
		log:        logger.With().Str("component", "slot_generator").Logger(),
	}
}

// Generate creates one slot per enabled weekday in [today, today+horizonDays].
// Windows that overlap an existing active slot or have already started are
// skipped, so re-running with the same template creates nothing new.
func (g *Generator) Generate(ctx context.Context, specialistID string, t *AvailabilityTemplate, horizonDays int) (GenerationResult, error) {
	res, err := g.generate(ctx, specialistID, t, horizonDays)
	if g.observer != nil {
		g.observer.ObserveGeneration(specialistID, res.Count, res.Skipped, err)
	}
	return res, err
}

func (g *Generator) generate(ctx context.Context, specialistID string, t *AvailabilityTemplate, horizonDays int) (GenerationResult, error) {
	var res GenerationResult
	if t == nil || !t.HasEnabledDay() {
		return res, ErrNoAvailability
	}
	if horizonDays < 1 || horizonDays > g.maxHorizon {
		return res, newErrorf(KindInvalidRange, "number of days must be between 1 and %d", g.maxHorizon)
	}

	loc, err := loadLocation(t.Timezone)
	if err != nil {
		return res, err
	}
	now := g.store.now()
	from := Today(loc, now)
	windows, err := ProjectWeekly(t, from, from.AddDays(horizonDays))
	if err != nil {
		return res, err
	}

	capacity := t.DefaultCapacity
	if capacity < 1 {
		capacity = g.store.defaultCapacity
	}

	for _, w := range windows {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !w.StartAt().After(now) {
			res.Skipped++
			continue
		}
		_, err := g.store.Create(ctx, CreateSlotInput{
			SpecialistID:  specialistID,
			Window:        w,
			TotalCapacity: capacity,
		})
		switch {
		case err == nil:
			res.Count++
		case errors.Is(err, ErrConflict):
			res.Skipped++
		default:
			g.log.Error().Err(err).Str("specialist_id", specialistID).Str("window", w.String()).
				Int("created", res.Count).Msg("slot generation aborted")
			return res, err
		}
	}

	g.log.Info().Str("specialist_id", specialistID).Int("created", res.Count).Int("skipped", res.Skipped).
		Int("horizon_days", horizonDays).Msg("slots generated")
	return res, nil
}

// GenerateFromSaved loads the specialist's saved template and generates from it.
func (g *Generator) GenerateFromSaved(ctx context.Context, specialistID string, horizonDays int) (GenerationResult, error) {
	t, err := g.store.GetTemplate(ctx, specialistID)
	if err != nil {
		return GenerationResult{}, err
	}
	return g.Generate(ctx, specialistID, t, horizonDays)
}

// Horizon returns the largest accepted horizon in days.
func (g *Generator) Horizon() int { return g.maxHorizon }
