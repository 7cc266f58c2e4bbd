package middleware // middleware provides shared request processing for handlers

import (
	"net/http" // http package defines standard HTTP status codes

	"github.com/labstack/echo/v4" // echo provides middleware chaining and context
)

// RequireRole returns a middleware function that enforces that the
// authenticated operator has one of the specified roles.  The roles accepted
// should correspond to the lowercase values stored in the JWT's "role"
// claim.  If the operator's role is not in the allowed set, the request is
// aborted with a 403 Forbidden response.  It assumes JWTAuth has already
// stored the role in the context.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return RequireRoleWith(PlainFailure, roles...)
}

// RequireRoleWith is RequireRole with a custom rejection response.
func RequireRoleWith(fail Failure, roles ...string) echo.MiddlewareFunc {
	// Build a set of allowed roles for constant time lookups.
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			// Missing or non-string roles are treated as not allowed.
			role, ok := c.Get(ctxRole).(string)
			if !ok || !allowed[role] {
				return fail(c, http.StatusForbidden, "forbidden")
			}
			return next(c)
		}
	}
}
