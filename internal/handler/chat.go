package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/genchat/internal/model"
)

// ChatService is the part of service.Chats the HTTP layer uses.
type ChatService interface {
	ListSessions(ctx context.Context, username, flowID string) ([]model.ChatSession, error)
	CreateSession(ctx context.Context, username, flowID, name string) (model.ChatSession, error)
	RenameSession(ctx context.Context, username, flowID, sessionID, name string) error
	DeleteSession(ctx context.Context, username, flowID, sessionID string) error
	History(ctx context.Context, username, flowID, sessionID string) ([]model.Message, error)
	AppendMessages(ctx context.Context, username, flowID, sessionID string, msgs []model.Message) ([]model.Message, error)
	ClearHistory(ctx context.Context, username, flowID, sessionID string) error
	DeleteMessage(ctx context.Context, username, flowID, sessionID string, index int) ([]model.Message, error)
	ListFlows(ctx context.Context, username string) ([]model.ChatFlow, error)
	DeleteFlow(ctx context.Context, username, flowID string) (int, error)
}

// ChatHandler serves the caller's chat sessions under /v1/chats/:flow.
type ChatHandler struct {
	Chats ChatService
	Log   *slog.Logger
}

func NewChatHandler(chats ChatService, log *slog.Logger) *ChatHandler {
	return &ChatHandler{Chats: chats, Log: orDefault(log)}
}

type sessionNameReq struct {
	Name string `json:"name" validate:"max=128"`
}

type appendReq struct {
	Messages []model.Message `json:"messages" validate:"required,min=1"`
}

func (h *ChatHandler) ListSessions(c echo.Context) error {
	ctx, cancel := reqCtx(c)
	defer cancel()

	list, err := h.Chats.ListSessions(ctx, currentUser(c), c.Param("flow"))
	if err != nil {
		return fail(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"sessions": list})
}

func (h *ChatHandler) CreateSession(c echo.Context) error {
	var req sessionNameReq
	if c.Request().ContentLength != 0 {
		if err := bind(c, &req); err != nil {
			return badRequest(c, err)
		}
	}
	ctx, cancel := reqCtx(c)
	defer cancel()

	sess, err := h.Chats.CreateSession(ctx, currentUser(c), c.Param("flow"), req.Name)
	if err != nil {
		return fail(c, h.Log, err)
	}
	return c.JSON(http.StatusCreated, sess)
}

func (h *ChatHandler) RenameSession(c echo.Context) error {
	var req sessionNameReq
	if err := bind(c, &req); err != nil {
		return badRequest(c, err)
	}
	ctx, cancel := reqCtx(c)
	defer cancel()

	if err := h.Chats.RenameSession(ctx, currentUser(c), c.Param("flow"), c.Param("session"), req.Name); err != nil {
		return fail(c, h.Log, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *ChatHandler) DeleteSession(c echo.Context) error {
	ctx, cancel := reqCtx(c)
	defer cancel()

	if err := h.Chats.DeleteSession(ctx, currentUser(c), c.Param("flow"), c.Param("session")); err != nil {
		return fail(c, h.Log, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *ChatHandler) History(c echo.Context) error {
	ctx, cancel := reqCtx(c)
	defer cancel()

	msgs, err := h.Chats.History(ctx, currentUser(c), c.Param("flow"), c.Param("session"))
	if err != nil {
		return fail(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"messages": msgs})
}

// AppendMessages adds messages to a session, creating it on first use.
func (h *ChatHandler) AppendMessages(c echo.Context) error {
	var req appendReq
	if err := bind(c, &req); err != nil {
		return badRequest(c, err)
	}
	ctx, cancel := reqCtx(c)
	defer cancel()

	msgs, err := h.Chats.AppendMessages(ctx, currentUser(c), c.Param("flow"), c.Param("session"), req.Messages)
	if err != nil {
		return fail(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"messages": msgs})
}

func (h *ChatHandler) ClearHistory(c echo.Context) error {
	ctx, cancel := reqCtx(c)
	defer cancel()

	if err := h.Chats.ClearHistory(ctx, currentUser(c), c.Param("flow"), c.Param("session")); err != nil {
		return fail(c, h.Log, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// DeleteMessage removes one message, addressed by its position in the
// history, and returns what is left.
func (h *ChatHandler) DeleteMessage(c echo.Context) error {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "index must be an integer"})
	}
	ctx, cancel := reqCtx(c)
	defer cancel()

	msgs, err := h.Chats.DeleteMessage(ctx, currentUser(c), c.Param("flow"), c.Param("session"), index)
	if err != nil {
		return fail(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"messages": msgs})
}

func (h *ChatHandler) ListFlows(c echo.Context) error {
	ctx, cancel := reqCtx(c)
	defer cancel()

	flows, err := h.Chats.ListFlows(ctx, currentUser(c))
	if err != nil {
		return fail(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"flows": flows})
}

// DeleteFlow drops every session of a flow.
func (h *ChatHandler) DeleteFlow(c echo.Context) error {
	ctx, cancel := reqCtx(c)
	defer cancel()

	n, err := h.Chats.DeleteFlow(ctx, currentUser(c), c.Param("flow"))
	if err != nil {
		return fail(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"deleted_sessions": n})
}
