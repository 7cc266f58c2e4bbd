package middleware

// identity.go defines helpers shared across middleware and handlers for
// reading the authenticated operator out of the Echo context.

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/campground-power/internal/model"
)

// Actor returns the operator identity stored by JWTAuth.  Unauthenticated
// requests yield an actor with RoleNone, which every privileged operation
// rejects.
func Actor(c echo.Context) model.Actor {
	a := model.Actor{Role: model.RoleNone}
	if v, ok := c.Get(ctxUserID).(string); ok {
		a.ID = v
	}
	if v, ok := c.Get(ctxEmail).(string); ok {
		a.Email = v
	}
	if v, ok := c.Get(ctxRole).(string); ok && v != "" {
		a.Role = model.Role(v)
	}
	return a
}

// currentUserID returns the subject used for per-operator rate limit keys.
func currentUserID(c echo.Context) string {
	if v, ok := c.Get(ctxUserID).(string); ok && v != "" {
		return v
	}
	return "anon"
}
