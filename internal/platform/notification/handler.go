package notification

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/slotbook/slotbook/internal/platform/auth"
)

// Handler exposes the notification log to admins.
type Handler struct {
	notifier *Notifier
}

func NewHandler(n *Notifier) *Handler {
	return &Handler{notifier: n}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/notifications", auth.RequireRole(auth.RoleAdmin))
	g.GET("", h.List)
	g.GET("/stats", h.Stats)
	g.GET("/:id", h.Get)
	g.POST("/:id/retry", h.Retry)
}

type errorBody struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// List handles GET /notifications?recipient=...&limit=...
func (h *Handler) List(c echo.Context) error {
	recipient := c.QueryParam("recipient")
	if recipient == "" {
		return c.JSON(http.StatusBadRequest, errorBody{Message: "recipient query parameter is required"})
	}
	limit := 100
	if v, err := strconv.Atoi(c.QueryParam("limit")); err == nil && v > 0 && v < limit {
		limit = v
	}
	return c.JSON(http.StatusOK, h.notifier.ListByRecipient(c.Request().Context(), recipient, limit))
}

func (h *Handler) Get(c echo.Context) error {
	n, err := h.notifier.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, errorBody{Message: err.Error()})
	}
	return c.JSON(http.StatusOK, n)
}

// Retry handles POST /notifications/:id/retry. A retry that fails again still
// returns the updated record with 502.
func (h *Handler) Retry(c echo.Context) error {
	n, err := h.notifier.Retry(c.Request().Context(), c.Param("id"))
	switch {
	case n == nil:
		return c.JSON(http.StatusBadRequest, errorBody{Message: err.Error()})
	case err != nil:
		return c.JSON(http.StatusBadGateway, n)
	}
	return c.JSON(http.StatusOK, n)
}

func (h *Handler) Stats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.notifier.Stats(c.Request().Context()))
}
