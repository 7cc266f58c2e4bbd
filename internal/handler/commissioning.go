package handler

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/campground-power/internal/commissioning"
	"github.com/iliyamo/campground-power/internal/gateway"
	"github.com/iliyamo/campground-power/internal/model"
)

// CommissioningHandler exposes the per-area pairing coordinators to
// operators.
type CommissioningHandler struct {
	Manager *commissioning.Manager
}

type sessionView struct {
	Session model.PairingSession `json:"session"`
	Stream  gateway.ConnState    `json:"stream"`
}

// Areas handles GET /v1/admin/commissioning/areas.
func (h *CommissioningHandler) Areas(c echo.Context) error {
	return c.JSON(http.StatusOK, h.Manager.Areas())
}

// Get handles GET /v1/admin/commissioning/:area and returns the area's
// current session together with the state of its event stream.
func (h *CommissioningHandler) Get(c echo.Context) error {
	coord, err := h.Manager.Get(c.Param("area"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, sessionView{Session: coord.Snapshot(), Stream: coord.StreamState()})
}

// Start handles POST /v1/admin/commissioning/:area/start.
func (h *CommissioningHandler) Start(c echo.Context) error {
	return h.act(c, (*commissioning.Coordinator).Start)
}

// Stop handles POST /v1/admin/commissioning/:area/stop.
func (h *CommissioningHandler) Stop(c echo.Context) error {
	return h.act(c, (*commissioning.Coordinator).Stop)
}

// Rename handles POST /v1/admin/commissioning/:area/rename {label}.
func (h *CommissioningHandler) Rename(c echo.Context) error {
	var body struct {
		Label string `json:"label"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	return h.act(c, func(coord *commissioning.Coordinator, ctx context.Context) (model.PairingSession, error) {
		return coord.SubmitLabel(ctx, body.Label)
	})
}

// Remove handles POST /v1/admin/commissioning/:area/remove.
func (h *CommissioningHandler) Remove(c echo.Context) error {
	return h.act(c, (*commissioning.Coordinator).Remove)
}

// Retry handles POST /v1/admin/commissioning/:area/retry.
func (h *CommissioningHandler) Retry(c echo.Context) error {
	return h.act(c, (*commissioning.Coordinator).Retry)
}

// Next handles POST /v1/admin/commissioning/:area/next.
func (h *CommissioningHandler) Next(c echo.Context) error {
	return h.act(c, (*commissioning.Coordinator).PairNext)
}

func (h *CommissioningHandler) act(c echo.Context, op func(*commissioning.Coordinator, context.Context) (model.PairingSession, error)) error {
	coord, err := h.Manager.Get(c.Param("area"))
	if err != nil {
		return respondError(c, err)
	}
	s, err := op(coord, c.Request().Context())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, sessionView{Session: s, Stream: coord.StreamState()})
}
