package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/campground-power/internal/model"
)

// IncidentLog lists recorded unauthorized attempts.  *repository.IncidentRepo
// satisfies it.
type IncidentLog interface {
	Recent(ctx context.Context, meter string, limit int) ([]model.UnauthorizedAttempt, error)
}

// IncidentHandler serves the incident history.
type IncidentHandler struct {
	Incidents IncidentLog
}

// List handles GET /v1/admin/incidents?meter=&limit=.
func (h *IncidentHandler) List(c echo.Context) error {
	limit := 100
	if s := c.QueryParam("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "limit must be a positive integer"})
		}
		limit = n
	}
	out, err := h.Incidents.Recent(c.Request().Context(), c.QueryParam("meter"), limit)
	if err != nil {
		return respondError(c, err)
	}
	if out == nil {
		out = []model.UnauthorizedAttempt{}
	}
	return c.JSON(http.StatusOK, out)
}
