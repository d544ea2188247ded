package router // package router defines how HTTP routes are registered for the API

import (
	"github.com/labstack/echo/v4" // import the Echo web framework to handle routing

	"github.com/iliyamo/genchat/internal/handler"    // import the handlers that implement business logic
	"github.com/iliyamo/genchat/internal/middleware" // import middleware for JWT authentication and role enforcement
)

// RegisterRoutes registers routes that do not require authentication: the
// liveness probe and, when ready is non-nil, the readiness probe.
func RegisterRoutes(e *echo.Echo, ready echo.HandlerFunc) {
	e.GET("/healthz", handler.Health)
	if ready != nil {
		e.GET("/readyz", ready)
	}
}

// RegisterAuth registers all authentication-related routes.  Register and
// login sit behind limit, the auth rate limiter; refresh and logout need
// only a refresh token.  Profile endpoints live under /v1 and require a
// valid access token.
func RegisterAuth(e *echo.Echo, a *handler.AuthHandler, jwtSecret string, limit echo.MiddlewareFunc) {
	if limit == nil {
		limit = func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	g := e.Group("/v1/auth")
	g.POST("/register", a.Register, limit)
	g.POST("/login", a.Login, limit)
	g.POST("/refresh", a.RefreshTokens)
	g.POST("/logout", a.Logout)

	me := e.Group("/v1", middleware.JWTAuth(jwtSecret), middleware.RequireUser())
	me.GET("/me", a.Me)
	me.PATCH("/me", a.UpdateMe)
}
