package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/genchat/internal/handler"
	"github.com/iliyamo/genchat/internal/middleware"
)

// RegisterUser registers the endpoints of a signed-in account under /v1:
// token activation and status, generation consumption and chat sessions.
// Every handler acts on the caller's own data.
func RegisterUser(e *echo.Echo, t *handler.TokenHandler, ch *handler.ChatHandler, jwtSecret string) {
	g := e.Group(
		"/v1",
		middleware.JWTAuth(jwtSecret),
		middleware.RequireUser(),
	)

	// ---- Tokens ----
	g.POST("/tokens/activate", t.Activate)
	g.GET("/tokens/status", t.Status)
	g.POST("/generations/consume", t.Consume)

	// ---- Chats ----
	g.GET("/chats", ch.ListFlows)
	g.DELETE("/chats/:flow", ch.DeleteFlow)
	g.GET("/chats/:flow/sessions", ch.ListSessions)
	g.POST("/chats/:flow/sessions", ch.CreateSession)
	g.PATCH("/chats/:flow/sessions/:session", ch.RenameSession)
	g.DELETE("/chats/:flow/sessions/:session", ch.DeleteSession)
	g.GET("/chats/:flow/sessions/:session/messages", ch.History)
	g.POST("/chats/:flow/sessions/:session/messages", ch.AppendMessages)
	g.DELETE("/chats/:flow/sessions/:session/messages", ch.ClearHistory)
	g.DELETE("/chats/:flow/sessions/:session/messages/:index", ch.DeleteMessage)
}
