package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/genchat/internal/model"
	"github.com/iliyamo/genchat/internal/service"
)

// TokenService is the part of service.Tokens the HTTP layer uses.
type TokenService interface {
	Activate(ctx context.Context, token, username string) (model.AccessToken, error)
	Status(ctx context.Context, username string) (service.TokenStatus, error)
	ConsumeForUser(ctx context.Context, username string, amount int) (service.ConsumeResult, error)
	IssueBatch(ctx context.Context, n int, req service.IssueRequest) ([]model.AccessToken, error)
	List(ctx context.Context) ([]model.AccessToken, error)
	Revoke(ctx context.Context, token, actor string) error
	Sweep(ctx context.Context, actor string) (service.SweepReport, error)
}

// TokenHandler serves the user-facing token endpoints.
type TokenHandler struct {
	Tokens TokenService
	Log    *slog.Logger
}

func NewTokenHandler(tokens TokenService, log *slog.Logger) *TokenHandler {
	return &TokenHandler{Tokens: tokens, Log: orDefault(log)}
}

type activateReq struct {
	Token string `json:"token" validate:"required"`
}

type consumeReq struct {
	Amount int `json:"amount" validate:"omitempty,min=1"`
}

type activatedView struct {
	Remaining   int        `json:"remaining_generations"`
	Total       int        `json:"total_generations"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
}

// Activate binds a token to the caller.
func (h *TokenHandler) Activate(c echo.Context) error {
	var req activateReq
	if err := bind(c, &req); err != nil {
		return badRequest(c, err)
	}
	ctx, cancel := reqCtx(c)
	defer cancel()

	t, err := h.Tokens.Activate(ctx, strings.TrimSpace(req.Token), currentUser(c))
	if err != nil {
		return fail(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, activatedView{
		Remaining:   t.RemainingGenerations,
		Total:       t.TotalGenerations,
		ExpiresAt:   t.ExpiresAt,
		ActivatedAt: t.ActivatedAt,
	})
}

// Status reports the caller's active token.
func (h *TokenHandler) Status(c echo.Context) error {
	ctx, cancel := reqCtx(c)
	defer cancel()

	st, err := h.Tokens.Status(ctx, currentUser(c))
	if err != nil {
		return fail(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, st)
}

// Consume takes generations from the caller's active token.  The amount
// defaults to one.  A token that runs out answers 200 with retired=true.
func (h *TokenHandler) Consume(c echo.Context) error {
	var req consumeReq
	if c.Request().ContentLength != 0 {
		if err := bind(c, &req); err != nil {
			return badRequest(c, err)
		}
	}
	if req.Amount == 0 {
		req.Amount = 1
	}
	ctx, cancel := reqCtx(c)
	defer cancel()

	res, err := h.Tokens.ConsumeForUser(ctx, currentUser(c), req.Amount)
	if err != nil {
		return fail(c, h.Log, err)
	}
	if !res.Consumed && res.Status == service.StatusExpired {
		return c.JSON(http.StatusGone, echo.Map{"error": service.ErrTokenExpired.Error(), "result": res})
	}
	return c.JSON(http.StatusOK, res)
}
