package consulting

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/slotbook/slotbook/internal/platform/auth"
	"github.com/slotbook/slotbook/pkg/pagination"
)

const defaultGenerationDays = 30

type Handler struct {
	store     *Store
	generator *Generator
	engine    *Engine
	log       zerolog.Logger
}

func NewHandler(store *Store, generator *Generator, engine *Engine, logger zerolog.Logger) *Handler {
	return &Handler{
		store:     store,
		generator: generator,
		engine:    engine,
		log:       logger.With().Str("component", "consulting_api").Logger(),
	}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Specialist-facing slot administration
	admin := api.Group("", auth.RequireRole(auth.RoleSpecialist))
	admin.POST("/slots", h.CreateSlot)
	admin.POST("/slots/generate", h.GenerateSlots)
	admin.PUT("/slots/:id", h.EditSlot)
	admin.DELETE("/slots/:id", h.DeleteSlot)
	admin.GET("/slots", h.ListSlots)
	admin.GET("/availability", h.GetAvailability)
	admin.PUT("/availability", h.SaveAvailability)

	// Customer-facing browsing and booking
	anyone := api.Group("", auth.RequireRole(auth.RoleSpecialist, auth.RoleCustomer))
	anyone.GET("/slots/:id", h.GetSlot)
	anyone.GET("/specialists/:specialistId/slots", h.ListAvailableSlots)
	anyone.POST("/slots/:id/cancel", h.CancelBooking)

	booking := api.Group("", auth.RequireRole(auth.RoleCustomer))
	booking.POST("/slots/:id/book", h.BookSlot)
}

// response is the JSON envelope shared by every endpoint.
type response struct {
	Success          bool             `json:"success"`
	Slot             interface{}      `json:"slot,omitempty"`
	Data             interface{}      `json:"data,omitempty"`
	Message          string           `json:"message,omitempty"`
	Code             ErrorKind        `json:"code,omitempty"`
	ConflictingSlots []conflictView   `json:"conflictingSlots,omitempty"`
	Stats            *Stats           `json:"stats,omitempty"`
	Page             *pagination.Page `json:"page,omitempty"`
}

type conflictView struct {
	ID        uuid.UUID `json:"id"`
	Date      Date      `json:"date"`
	StartTime Clock     `json:"start_time"`
	EndTime   Clock     `json:"end_time"`
	Timezone  string    `json:"timezone"`
}

// slotSummary is the view of a slot shown to callers who do not own it.
type slotSummary struct {
	ID                uuid.UUID  `json:"id"`
	SpecialistID      string     `json:"specialist_id"`
	Window            TimeWindow `json:"window"`
	DurationMinutes   int        `json:"duration_minutes"`
	TotalCapacity     int        `json:"total_capacity"`
	BookedCount       int        `json:"booked_count"`
	RemainingCapacity int        `json:"remaining_capacity"`
	IsFullyBooked     bool       `json:"is_fully_booked"`
	Status            SlotStatus `json:"status"`
	Notes             string     `json:"notes,omitempty"`
}

func summarize(sl *Slot) slotSummary {
	return slotSummary{
		ID:                sl.ID,
		SpecialistID:      sl.SpecialistID,
		Window:            sl.Window,
		DurationMinutes:   sl.DurationMinutes,
		TotalCapacity:     sl.TotalCapacity,
		BookedCount:       sl.BookedCount(),
		RemainingCapacity: sl.RemainingCapacity(),
		IsFullyBooked:     sl.IsFullyBooked(),
		Status:            sl.Status,
		Notes:             sl.Notes,
	}
}

var kindStatus = map[ErrorKind]int{
	KindInvalidRange:     http.StatusBadRequest,
	KindConflict:         http.StatusConflict,
	KindNotFound:         http.StatusNotFound,
	KindHasBookings:      http.StatusConflict,
	KindInactive:         http.StatusConflict,
	KindPastSlot:         http.StatusConflict,
	KindDuplicateBooking: http.StatusConflict,
	KindSlotFull:         http.StatusConflict,
	KindForbidden:        http.StatusForbidden,
	KindTooLate:          http.StatusUnprocessableEntity,
	KindNoAvailability:   http.StatusUnprocessableEntity,
	KindTimeout:          http.StatusGatewayTimeout,
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind ErrorKind) int {
	if code, ok := kindStatus[kind]; ok {
		return code
	}
	return http.StatusInternalServerError
}

func (h *Handler) respondError(c echo.Context, err error) error {
	var de *Error
	if !errors.As(err, &de) {
		h.log.Error().Err(err).
			Str("request_id", c.Response().Header().Get(echo.HeaderXRequestID)).
			Str("method", c.Request().Method).
			Str("path", c.Path()).
			Msg("request failed")
		return c.JSON(http.StatusInternalServerError, response{Message: "internal error"})
	}
	resp := response{Message: de.Error(), Code: de.Kind}
	for _, sl := range de.Conflicts {
		resp.ConflictingSlots = append(resp.ConflictingSlots, conflictView{
			ID:        sl.ID,
			Date:      sl.Window.Date,
			StartTime: sl.Window.Start,
			EndTime:   sl.Window.End,
			Timezone:  sl.Window.Timezone,
		})
	}
	return c.JSON(StatusFor(de.Kind), resp)
}

func bindError(err error) error {
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return newError(KindInvalidRange, "invalid request body")
}

func principal(c echo.Context) (auth.Principal, error) {
	p, ok := auth.PrincipalFromContext(c.Request().Context())
	if !ok || p.ID == "" {
		return auth.Principal{}, ErrForbidden
	}
	return p, nil
}

// targetSpecialist resolves which specialist a request acts on. Only admins
// may name a specialist other than themselves.
func targetSpecialist(p auth.Principal, requested string) (string, error) {
	requested = strings.TrimSpace(requested)
	if requested == "" || requested == p.ID {
		return p.ID, nil
	}
	if p.IsAdmin() {
		return requested, nil
	}
	return "", newError(KindForbidden, "cannot act on another specialist's slots")
}

func (h *Handler) ownedSlot(c echo.Context, p auth.Principal) (*Slot, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, newError(KindInvalidRange, "invalid slot id")
	}
	sl, err := h.store.Get(c.Request().Context(), id)
	if err != nil {
		return nil, err
	}
	if !p.IsAdmin() && sl.SpecialistID != p.ID {
		return nil, newError(KindForbidden, "slot belongs to another specialist")
	}
	return sl, nil
}

// -- Slot administration --

type createSlotRequest struct {
	SpecialistID    string     `json:"specialistId"`
	SpecialistEmail string     `json:"specialistEmail"`
	Date            Date       `json:"date"`
	StartTime       Clock      `json:"startTime"`
	EndTime         Clock      `json:"endTime"`
	TotalCapacity   int        `json:"totalCapacity"`
	Timezone        string     `json:"timezone"`
	Notes           string     `json:"notes"`
	Status          SlotStatus `json:"status"`
}

func (h *Handler) CreateSlot(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return h.respondError(c, err)
	}
	var req createSlotRequest
	if err := c.Bind(&req); err != nil {
		return h.respondError(c, bindError(err))
	}
	specialistID, err := targetSpecialist(p, req.SpecialistID)
	if err != nil {
		return h.respondError(c, err)
	}
	email := req.SpecialistEmail
	if email == "" && specialistID == p.ID {
		email = p.Email
	}

	sl, err := h.store.Create(c.Request().Context(), CreateSlotInput{
		SpecialistID:    specialistID,
		SpecialistEmail: email,
		Window: TimeWindow{
			Date:     req.Date,
			Start:    req.StartTime,
			End:      req.EndTime,
			Timezone: req.Timezone,
		},
		TotalCapacity: req.TotalCapacity,
		Notes:         req.Notes,
		Status:        req.Status,
	})
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusCreated, response{Success: true, Slot: sl})
}

type editSlotRequest struct {
	Date          *Date       `json:"date"`
	StartTime     *Clock      `json:"startTime"`
	EndTime       *Clock      `json:"endTime"`
	Status        *SlotStatus `json:"status"`
	Notes         *string     `json:"notes"`
	TotalCapacity *int        `json:"totalCapacity"`
}

func (h *Handler) EditSlot(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return h.respondError(c, err)
	}
	var req editSlotRequest
	if err := c.Bind(&req); err != nil {
		return h.respondError(c, bindError(err))
	}
	sl, err := h.ownedSlot(c, p)
	if err != nil {
		return h.respondError(c, err)
	}
	updated, err := h.store.Edit(c.Request().Context(), sl.ID, EditSlotInput{
		Date:          req.Date,
		Start:         req.StartTime,
		End:           req.EndTime,
		Status:        req.Status,
		Notes:         req.Notes,
		TotalCapacity: req.TotalCapacity,
	})
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, response{Success: true, Slot: updated})
}

func (h *Handler) DeleteSlot(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return h.respondError(c, err)
	}
	sl, err := h.ownedSlot(c, p)
	if err != nil {
		return h.respondError(c, err)
	}
	if err := h.store.Delete(c.Request().Context(), sl.ID); err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, response{Success: true})
}

func (h *Handler) GetSlot(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return h.respondError(c, err)
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return h.respondError(c, newError(KindInvalidRange, "invalid slot id"))
	}
	sl, err := h.store.Get(c.Request().Context(), id)
	if err != nil {
		return h.respondError(c, err)
	}
	if p.IsAdmin() || sl.SpecialistID == p.ID {
		return c.JSON(http.StatusOK, response{Success: true, Slot: sl})
	}
	return c.JSON(http.StatusOK, response{Success: true, Slot: summarize(sl)})
}

func (h *Handler) ListSlots(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return h.respondError(c, err)
	}
	specialistID, err := targetSpecialist(p, c.QueryParam("specialist_id"))
	if err != nil {
		return h.respondError(c, err)
	}
	filter, err := ParseFilter(c.QueryParam("filter"))
	if err != nil {
		return h.respondError(c, err)
	}

	ctx := c.Request().Context()
	slots, err := h.store.List(ctx, specialistID, filter)
	if err != nil {
		return h.respondError(c, err)
	}
	stats, err := h.store.Stats(ctx, specialistID)
	if err != nil {
		return h.respondError(c, err)
	}
	items, page := pagination.Apply(slots, pagination.FromContext(c))
	return c.JSON(http.StatusOK, response{Success: true, Data: items, Stats: &stats, Page: &page})
}

type generateRequest struct {
	SpecialistID string `json:"specialistId"`
	NumDays      int    `json:"numDays"`
}

func (h *Handler) GenerateSlots(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return h.respondError(c, err)
	}
	var req generateRequest
	if err := c.Bind(&req); err != nil {
		return h.respondError(c, bindError(err))
	}
	specialistID, err := targetSpecialist(p, req.SpecialistID)
	if err != nil {
		return h.respondError(c, err)
	}
	if req.NumDays == 0 {
		req.NumDays = defaultGenerationDays
	}

	res, err := h.generator.GenerateFromSaved(c.Request().Context(), specialistID, req.NumDays)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, response{Success: true, Data: res})
}

func (h *Handler) GetAvailability(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return h.respondError(c, err)
	}
	specialistID, err := targetSpecialist(p, c.QueryParam("specialist_id"))
	if err != nil {
		return h.respondError(c, err)
	}
	t, err := h.store.GetTemplate(c.Request().Context(), specialistID)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, response{Success: true, Data: t})
}

func (h *Handler) SaveAvailability(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return h.respondError(c, err)
	}
	var t AvailabilityTemplate
	if err := c.Bind(&t); err != nil {
		return h.respondError(c, bindError(err))
	}
	specialistID, err := targetSpecialist(p, t.SpecialistID)
	if err != nil {
		return h.respondError(c, err)
	}
	t.SpecialistID = specialistID

	saved, err := h.store.SaveTemplate(c.Request().Context(), &t)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, response{Success: true, Data: saved, Message: "availability saved"})
}

// -- Customer booking --

func (h *Handler) ListAvailableSlots(c echo.Context) error {
	specialistID := strings.TrimSpace(c.Param("specialistId"))
	if specialistID == "" {
		return h.respondError(c, newError(KindInvalidRange, "specialist id is required"))
	}
	slots, err := h.store.List(c.Request().Context(), specialistID, FilterAvailable)
	if err != nil {
		return h.respondError(c, err)
	}
	items, page := pagination.Apply(slots, pagination.FromContext(c))
	views := make([]slotSummary, 0, len(items))
	for _, sl := range items {
		views = append(views, summarize(sl))
	}
	return c.JSON(http.StatusOK, response{Success: true, Data: views, Page: &page})
}

type bookRequest struct {
	CustomerID    string `json:"customerId"`
	CustomerEmail string `json:"customerEmail"`
	CustomerName  string `json:"customerName"`
}

func (h *Handler) BookSlot(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return h.respondError(c, err)
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return h.respondError(c, newError(KindInvalidRange, "invalid slot id"))
	}
	var req bookRequest
	if err := c.Bind(&req); err != nil {
		return h.respondError(c, bindError(err))
	}

	in := BookInput{SlotID: id, CustomerID: p.ID, CustomerEmail: p.Email, CustomerName: p.Name}
	if req.CustomerID != "" && req.CustomerID != p.ID {
		if !p.IsAdmin() {
			return h.respondError(c, newError(KindForbidden, "cannot book on behalf of another customer"))
		}
		in.CustomerID, in.CustomerEmail, in.CustomerName = req.CustomerID, "", ""
	}
	if req.CustomerEmail != "" {
		in.CustomerEmail = req.CustomerEmail
	}
	if req.CustomerName != "" {
		in.CustomerName = req.CustomerName
	}

	receipt, err := h.engine.Book(c.Request().Context(), in)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusCreated, response{Success: true, Data: receipt})
}

// bookingRefBody names the booking to cancel by exactly one of its fields.
// An absent bookingRef means the caller's own booking.
type bookingRefBody struct {
	BookingID  string `json:"bookingId"`
	CustomerID string `json:"customerId"`
	Index      *int   `json:"index"`
}

func (b *bookingRefBody) toRef() (BookingRef, error) {
	var ref BookingRef
	set := 0
	if id := strings.TrimSpace(b.BookingID); id != "" {
		parsed, err := uuid.Parse(id)
		if err != nil {
			return ref, newError(KindInvalidRange, "bookingRef.bookingId must be a UUID")
		}
		ref.BookingID = parsed
		set++
	}
	if id := strings.TrimSpace(b.CustomerID); id != "" {
		ref.CustomerID = id
		set++
	}
	if b.Index != nil {
		if *b.Index < 0 {
			return ref, newError(KindInvalidRange, "bookingRef.index must not be negative")
		}
		ref.Index = b.Index
		set++
	}
	if set != 1 {
		return ref, newError(KindInvalidRange, "bookingRef must set exactly one of bookingId, customerId or index")
	}
	return ref, nil
}

type cancelRequest struct {
	BookingRef *bookingRefBody `json:"bookingRef"`
	Reason     string          `json:"reason"`
}

func (h *Handler) CancelBooking(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return h.respondError(c, err)
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return h.respondError(c, newError(KindInvalidRange, "invalid slot id"))
	}
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return h.respondError(c, bindError(err))
	}

	ref := BookingRef{CustomerID: p.ID}
	if req.BookingRef != nil {
		if ref, err = req.BookingRef.toRef(); err != nil {
			return h.respondError(c, err)
		}
	}

	cancelled, err := h.engine.Cancel(c.Request().Context(), CancelInput{
		SlotID: id,
		Ref:    ref,
		Reason: req.Reason,
		Actor:  Actor{ID: p.ID, IsAdmin: p.IsAdmin()},
	})
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, response{Success: true, Data: cancelled})
}
