package audit

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

type Handler struct {
	log Log
}

func NewHandler(log Log) *Handler {
	return &Handler{log: log}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/audit/:patientId", h.ListByPatient)
}

// ListByPatient handles GET /audit/:patientId?limit=N.
func (h *Handler) ListByPatient(c echo.Context) error {
	patientID := c.Param("patientId")
	if patientID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "patient id is required")
	}

	limit := defaultLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = min(n, maxLimit)
	}

	events, err := h.log.ListByPatient(c.Request().Context(), patientID, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "audit log unavailable").SetInternal(err)
	}
	return c.JSON(http.StatusOK, events)
}
