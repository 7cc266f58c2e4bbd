package middleware // declare the middleware package; contains reusable HTTP middleware functions

import (
	"fmt"      // fmt stringifies numeric subject claims
	"net/http" // HTTP status codes for responses
	"strings"  // string utilities for prefix checking and trimming

	"github.com/golang-jwt/jwt/v5" // JWT library for parsing and validating tokens
	"github.com/labstack/echo/v4"  // Echo framework used for defining middleware and handlers
)

// Context keys populated by JWTAuth.  Handlers read them through Actor().
const (
	ctxUserID = "user_id"
	ctxEmail  = "email"
	ctxRole   = "role"
)

// JWTAuth returns an Echo middleware that validates a Bearer access token
// issued by the campground portal and injects the operator's subject, email
// and role claims into the request context.  The provided secret must match
// the one used by the portal when issuing tokens.  This service never issues
// tokens itself; it only verifies them.
func JWTAuth(secret string) echo.MiddlewareFunc {
	return JWTAuthWith(secret, PlainFailure)
}

// JWTAuthWith is JWTAuth with a custom rejection response.
func JWTAuthWith(secret string, fail Failure) echo.MiddlewareFunc {
	// The outer function returns a middleware function.  Echo executes this
	// once when registering the middleware.
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		// The returned handler is invoked for each incoming HTTP request.
		return func(c echo.Context) error {
			// Read the Authorization header.  A valid header should start
			// with "Bearer " followed by the JWT.  If it doesn't, respond
			// with 401 Unauthorized.
			auth := c.Request().Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				return fail(c, http.StatusUnauthorized, "missing bearer token")
			}
			// Remove the "Bearer " prefix to obtain the raw token string.
			raw := strings.TrimPrefix(auth, "Bearer ")

			// Parse the token with our secret.  Only HMAC signing methods
			// are accepted; anything else is rejected as unauthorized.
			tok, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, echo.ErrUnauthorized
				}
				return []byte(secret), nil
			})
			// If parsing failed or the token is invalid, respond with 401.
			if err != nil || !tok.Valid {
				return fail(c, http.StatusUnauthorized, "invalid token")
			}

			// Extract the claims into a map for easy access.
			claims, ok := tok.Claims.(jwt.MapClaims)
			if !ok {
				return fail(c, http.StatusUnauthorized, "invalid claims")
			}

			// The portal issues string subjects, older tokens carry a
			// numeric one.  Both are normalised to a string so the audit
			// log always records the same form.
			sub := claimString(claims["sub"])
			if sub == "" {
				return fail(c, http.StatusUnauthorized, "invalid claims")
			}
			c.Set(ctxUserID, sub)
			c.Set(ctxEmail, claimString(claims["email"]))
			c.Set(ctxRole, strings.ToLower(claimString(claims["role"])))
			// Call the next handler in the chain and return its result.
			return next(c)
		}
	}
}

// claimString renders a claim value as a string.  JSON numbers arrive as
// float64 and are printed without a fractional part.
func claimString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return fmt.Sprintf("%.0f", t)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}
