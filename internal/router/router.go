package router // package router defines how HTTP routes are registered for the API

import (
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/iliyamo/patient-care-reminder/internal/handler"
	"github.com/iliyamo/patient-care-reminder/internal/middleware"
	"github.com/iliyamo/patient-care-reminder/internal/model"
)

// New returns an Echo instance with the request validator, panic recovery
// and access logging installed.
func New(logger *zap.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = handler.NewValidator()
	e.Use(echomw.Recover())
	e.Use(middleware.RequestLogger(logger))
	return e
}

// RegisterRoutes registers routes that do not require authentication: the
// liveness probe, the database readiness probe and file downloads.
func RegisterRoutes(e *echo.Echo, db *handler.DBCheckHandler, files *handler.FileHandler) {
	e.GET("/healthz", handler.Health)
	e.GET("/api/test-db", db.TestDB)
	// avatar URLs are embedded in profile responses and fetched by <img> tags
	e.GET("/api/files/:id", files.Get)
}

// RegisterAuth registers the session endpoints under /api/auth.  limiter
// guards every route of the group.
func RegisterAuth(e *echo.Echo, a *handler.AuthHandler, limiter echo.MiddlewareFunc) {
	g := e.Group("/api/auth", limiter)
	g.POST("/register", a.Register)
	g.POST("/login", a.Login)
	g.POST("/refresh", a.Refresh)
	g.POST("/logout", a.Logout)
}

// PatientHandlers groups the handlers behind a valid access token.
type PatientHandlers struct {
	Users         *handler.UserHandler
	Subscriptions *handler.SubscriptionHandler
	Reminders     *handler.ReminderHandler
}

// RegisterPatient registers the authenticated endpoints under /api.  Both
// roles share them; reads of the profile and reminder list go through the
// per-user response cache.
func RegisterPatient(e *echo.Echo, h PatientHandlers, jwtSecret string, cache *middleware.ResponseCache) {
	g := e.Group(
		"/api",
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(model.RolePatient, model.RoleCaregiver),
	)
	cached := cache.Middleware()

	g.GET("/users/me", h.Users.Me, cached)
	g.PATCH("/users/me", h.Users.UpdateMe)
	g.PUT("/users/me/password", h.Users.ChangePassword)
	g.POST("/users/me/avatar", h.Users.UploadAvatar)

	g.POST("/subscriptions", h.Subscriptions.Subscribe)
	g.GET("/subscriptions", h.Subscriptions.List)
	g.DELETE("/subscriptions", h.Subscriptions.Unsubscribe)

	g.POST("/reminders", h.Reminders.Create)
	g.GET("/reminders", h.Reminders.List, cached)
	g.DELETE("/reminders/:id", h.Reminders.Cancel)
}
