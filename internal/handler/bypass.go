package handler

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/campground-power/internal/middleware"
	"github.com/iliyamo/campground-power/internal/model"
)

// BypassLedger is the bypass service behind the admin meter endpoints.
// *bypass.Ledger satisfies it.
type BypassLedger interface {
	Enable(ctx context.Context, actor model.Actor, meter, reason string) (*model.BypassAuditEntry, error)
	Disable(ctx context.Context, actor model.Actor, meter, reason string) (*model.BypassAuditEntry, error)
	Audit(ctx context.Context, meter string) ([]model.BypassAuditEntry, error)
}

// BypassHandler serves the administrative bypass endpoints.
type BypassHandler struct {
	Ledger BypassLedger
}

type bypassRequest struct {
	MeterID string `json:"meter_id"`
	Reason  string `json:"reason"`
}

// Enable handles POST /v1/admin/meters/enable-bypass.
func (h *BypassHandler) Enable(c echo.Context) error {
	return h.apply(c, true)
}

// Disable handles POST /v1/admin/meters/disable-bypass.
func (h *BypassHandler) Disable(c echo.Context) error {
	return h.apply(c, false)
}

func (h *BypassHandler) apply(c echo.Context, enable bool) error {
	var body bypassRequest
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"success": false, "message": "invalid request body"})
	}
	if strings.TrimSpace(body.MeterID) == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"success": false, "message": "meter_id is required"})
	}

	actor := middleware.Actor(c)
	ctx := c.Request().Context()
	var err error
	if enable {
		_, err = h.Ledger.Enable(ctx, actor, body.MeterID, body.Reason)
	} else {
		_, err = h.Ledger.Disable(ctx, actor, body.MeterID, body.Reason)
	}
	if err != nil {
		status, _ := statusFor(err)
		msg := err.Error()
		if status == http.StatusInternalServerError {
			msg = "failed to update bypass"
		}
		return c.JSON(status, echo.Map{"success": false, "message": msg})
	}

	verb := "disabled"
	if enable {
		verb = "enabled"
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success": true,
		"message": fmt.Sprintf("Bypass %s for meter %s", verb, strings.TrimSpace(body.MeterID)),
	})
}

// Audit handles GET /v1/admin/meters/:meter/bypass-audit and returns the
// meter's audit trail, oldest first.
func (h *BypassHandler) Audit(c echo.Context) error {
	entries, err := h.Ledger.Audit(c.Request().Context(), c.Param("meter"))
	if err != nil {
		return respondError(c, err)
	}
	if entries == nil {
		entries = []model.BypassAuditEntry{}
	}
	return c.JSON(http.StatusOK, entries)
}
