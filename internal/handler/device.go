package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/iliyamo/campground-power/internal/middleware"
	"github.com/iliyamo/campground-power/internal/model"
)

// DeviceRegistry is the device table seen by the operator API.
// *repository.DeviceRepo satisfies it.
type DeviceRegistry interface {
	List(ctx context.Context, areaID string) ([]model.Device, error)
	GetByMeter(ctx context.Context, meter string) (*model.Device, error)
	GetByIEEE(ctx context.Context, ieee string) (*model.Device, error)
	Delete(ctx context.Context, meter string) error
}

// DeviceHandler serves the registry of commissioned meters.
type DeviceHandler struct {
	Devices DeviceRegistry
}

// List handles GET /v1/admin/meters?area=&ieee=.  With ieee the result
// holds the single device carrying that hardware address.
func (h *DeviceHandler) List(c echo.Context) error {
	ctx := c.Request().Context()
	if ieee := strings.TrimSpace(c.QueryParam("ieee")); ieee != "" {
		d, err := h.Devices.GetByIEEE(ctx, ieee)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(http.StatusOK, []model.Device{*d})
	}
	out, err := h.Devices.List(ctx, strings.TrimSpace(c.QueryParam("area")))
	if err != nil {
		return respondError(c, err)
	}
	if out == nil {
		out = []model.Device{}
	}
	return c.JSON(http.StatusOK, out)
}

// Get handles GET /v1/admin/meters/:meter.
func (h *DeviceHandler) Get(c echo.Context) error {
	d, err := h.Devices.GetByMeter(c.Request().Context(), c.Param("meter"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, d)
}

// Delete handles DELETE /v1/admin/meters/:meter.  The registry row and its
// queued commands are removed; the device stays joined to the mesh until
// it is removed there.
func (h *DeviceHandler) Delete(c echo.Context) error {
	meter := c.Param("meter")
	if err := h.Devices.Delete(c.Request().Context(), meter); err != nil {
		return respondError(c, err)
	}
	a := middleware.Actor(c)
	log.WithFields(log.Fields{"component": "http", "meter": meter, "actor": a.ID}).Info("device removed from registry")
	return c.NoContent(http.StatusNoContent)
}
