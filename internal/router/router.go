package router // package router defines how HTTP routes are registered for the API

import (
	"github.com/labstack/echo/v4" // import the Echo web framework to handle routing

	"github.com/iliyamo/campground-power/internal/handler"    // handlers that implement the operator API
	"github.com/iliyamo/campground-power/internal/middleware" // JWT authentication and role enforcement
	"github.com/iliyamo/campground-power/internal/model"      // operator roles
)

// RegisterRoutes registers routes that do not require authentication on the
// provided Echo instance: the liveness and readiness checks.
func RegisterRoutes(e *echo.Echo, h *handler.HealthHandler) {
	e.GET("/healthz", h.Health)
	e.GET("/readyz", h.Ready)
}

// Admin bundles the handlers and per-route middleware of the operator API.
// RateLimit and Cache may be nil.
type Admin struct {
	Bypass        *handler.BypassHandler
	Devices       *handler.DeviceHandler
	Commands      *handler.CommandHandler
	Incidents     *handler.IncidentHandler
	Commissioning *handler.CommissioningHandler
	Notifications *handler.NotificationHandler

	RateLimit echo.MiddlewareFunc
	Cache     echo.MiddlewareFunc
}

// RegisterAdmin registers the operator endpoints under /v1/admin.  Every
// route requires a valid JWT whose role is admin or staff.
func RegisterAdmin(e *echo.Echo, a Admin, jwtSecret string) {
	// Attach authentication at group construction time so no route can be
	// registered without it.
	g := e.Group(
		"/v1/admin",
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(string(model.RoleAdmin), string(model.RoleStaff)),
	)
	// The bypass toggles answer every outcome, authentication failures
	// included, with the {success, message} envelope.
	b := e.Group(
		"/v1/admin/meters",
		middleware.JWTAuthWith(jwtSecret, middleware.EnvelopeFailure),
		middleware.RequireRoleWith(middleware.EnvelopeFailure, string(model.RoleAdmin), string(model.RoleStaff)),
	)

	// Mutations share one token bucket per operator and route.  The
	// notification stream and read-only routes are not limited.
	var limited []echo.MiddlewareFunc
	if a.RateLimit != nil {
		limited = append(limited, a.RateLimit)
	}
	var cached []echo.MiddlewareFunc
	if a.Cache != nil {
		cached = append(cached, a.Cache)
	}

	// ---- Meters ----
	b.POST("/enable-bypass", a.Bypass.Enable, limited...)
	b.POST("/disable-bypass", a.Bypass.Disable, limited...)
	g.GET("/meters", a.Devices.List)
	g.GET("/meters/:meter", a.Devices.Get)
	// Removing a meter from the registry is reserved to admins.
	g.DELETE("/meters/:meter", a.Devices.Delete,
		append([]echo.MiddlewareFunc{middleware.RequireRole(string(model.RoleAdmin))}, limited...)...)
	g.GET("/meters/:meter/bypass-audit", a.Bypass.Audit)
	g.POST("/meters/:meter/commands", a.Commands.Enqueue, limited...)
	g.GET("/meters/:meter/commands", a.Commands.Pending)

	// ---- Incidents ----
	g.GET("/incidents", a.Incidents.List)

	// ---- Commissioning ----
	c := g.Group("/commissioning")
	c.GET("/areas", a.Commissioning.Areas, cached...)
	c.GET("/:area", a.Commissioning.Get)
	c.POST("/:area/start", a.Commissioning.Start, limited...)
	c.POST("/:area/stop", a.Commissioning.Stop, limited...)
	c.POST("/:area/rename", a.Commissioning.Rename, limited...)
	c.POST("/:area/remove", a.Commissioning.Remove, limited...)
	c.POST("/:area/retry", a.Commissioning.Retry, limited...)
	c.POST("/:area/next", a.Commissioning.Next, limited...)

	// ---- Notifications ----
	g.GET("/notifications", a.Notifications.Stream)
}
