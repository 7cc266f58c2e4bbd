package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/campground-power/internal/model"
)

// CommandQueue is the command dispatcher seen by the operator API.
// *dispatch.Dispatcher satisfies it.
type CommandQueue interface {
	Enqueue(ctx context.Context, meter string, kind model.CommandKind, value model.RelayState) (int64, error)
	Pending(ctx context.Context, meter string) ([]model.ControlCommand, error)
}

// AuthFactsSource loads the facts that decide whether a meter may be
// energised.  *repository.DeviceRepo satisfies it.
type AuthFactsSource interface {
	AuthFacts(ctx context.Context, meter string) (model.AuthFacts, error)
}

// CommandHandler lets operators switch a meter's relay by hand.
type CommandHandler struct {
	Commands CommandQueue
	Facts    AuthFactsSource
}

// Enqueue handles POST /v1/admin/meters/:meter/commands.  ON is accepted
// only for a meter that is authorised (bypass, or a customer with a funded
// package); the anomaly detector would force anything else straight back
// off.  OFF is always accepted.
func (h *CommandHandler) Enqueue(c echo.Context) error {
	var body struct {
		State string `json:"state"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	state := model.ParseRelayState(strings.TrimSpace(body.State))
	if state == model.RelayUnknown {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "state must be ON or OFF"})
	}
	meter := c.Param("meter")
	ctx := c.Request().Context()

	if state == model.RelayOn && h.Facts != nil {
		facts, err := h.Facts.AuthFacts(ctx, meter)
		if err != nil {
			return respondError(c, err)
		}
		if d := model.Evaluate(facts); !d.Authorized {
			return c.JSON(http.StatusConflict, echo.Map{"error": "meter is not authorised", "reason": d.Reason})
		}
	}

	id, err := h.Commands.Enqueue(ctx, meter, model.CommandSetState, state)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusAccepted, echo.Map{"command_id": id})
}

// Pending handles GET /v1/admin/meters/:meter/commands.
func (h *CommandHandler) Pending(c echo.Context) error {
	cmds, err := h.Commands.Pending(c.Request().Context(), c.Param("meter"))
	if err != nil {
		return respondError(c, err)
	}
	if cmds == nil {
		cmds = []model.ControlCommand{}
	}
	return c.JSON(http.StatusOK, cmds)
}
