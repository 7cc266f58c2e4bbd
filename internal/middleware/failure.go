package middleware

import (
	"github.com/labstack/echo/v4"
)

// Failure writes the response for a request rejected by JWTAuth or
// RequireRole.
type Failure func(c echo.Context, status int, msg string) error

// PlainFailure answers {"error": msg}.
func PlainFailure(c echo.Context, status int, msg string) error {
	return c.JSON(status, echo.Map{"error": msg})
}

// EnvelopeFailure answers {"success": false, "message": msg}, the shape the
// bypass endpoints use for every outcome.
func EnvelopeFailure(c echo.Context, status int, msg string) error {
	return c.JSON(status, echo.Map{"success": false, "message": msg})
}
