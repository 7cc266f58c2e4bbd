package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/iliyamo/campground-power/internal/bypass"
	"github.com/iliyamo/campground-power/internal/commissioning"
	"github.com/iliyamo/campground-power/internal/dispatch"
	"github.com/iliyamo/campground-power/internal/gateway"
	"github.com/iliyamo/campground-power/internal/repository"
)

// statusFor maps a service error onto an HTTP status.  retry reports
// whether the operator should be offered a retry.
func statusFor(err error) (status int, retry bool) {
	var (
		authErr     *bypass.AuthorizationError
		netErr      *gateway.NetworkError
		gwErr       *gateway.GatewayError
		conflictErr *commissioning.ConflictError
	)
	switch {
	case errors.As(err, &authErr):
		return http.StatusForbidden, false
	case errors.Is(err, bypass.ErrReasonRequired),
		errors.Is(err, commissioning.ErrLabelRequired),
		errors.Is(err, dispatch.ErrInvalidValue):
		return http.StatusBadRequest, false
	case errors.Is(err, repository.ErrDeviceNotFound),
		errors.Is(err, commissioning.ErrUnknownArea):
		return http.StatusNotFound, false
	case errors.As(err, &conflictErr),
		errors.Is(err, commissioning.ErrInvalidTransition),
		errors.Is(err, commissioning.ErrBusy),
		errors.Is(err, commissioning.ErrSuperseded),
		errors.Is(err, repository.ErrConflict):
		return http.StatusConflict, false
	case errors.As(err, &netErr):
		return http.StatusBadGateway, true
	case errors.As(err, &gwErr):
		return http.StatusBadGateway, false
	case errors.Is(err, commissioning.ErrShutdown):
		return http.StatusServiceUnavailable, true
	}
	return http.StatusInternalServerError, false
}

// respondError writes err as {"error": ...}.  Internal errors are logged and
// hidden behind a generic message.
func respondError(c echo.Context, err error) error {
	status, retry := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.WithFields(log.Fields{"component": "http", "path": c.Path()}).WithError(err).Error("request failed")
		msg = "internal error"
	}
	body := echo.Map{"error": msg}
	if retry {
		body["retry"] = true
	}
	return c.JSON(status, body)
}
