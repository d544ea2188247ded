package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/genchat/internal/handler"
	"github.com/iliyamo/genchat/internal/middleware"
)

// RegisterAdmin registers ADMIN-scoped endpoints under /v1/admin.
func RegisterAdmin(e *echo.Echo, a *handler.AdminHandler, jwtSecret string) {
	g := e.Group(
		"/v1/admin",
		middleware.JWTAuth(jwtSecret),
		middleware.RequireAdmin(),
	)

	g.POST("/tokens", a.IssueTokens)
	g.GET("/tokens", a.ListTokens)
	g.POST("/tokens/sweep", a.Sweep)
	g.DELETE("/tokens/:token", a.RevokeToken)
	g.GET("/users", a.ListUsers)
}
