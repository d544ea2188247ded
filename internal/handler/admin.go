package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/genchat/internal/model"
	"github.com/iliyamo/genchat/internal/service"
)

// AdminHandler serves the administrator endpoints: token issuing, listing,
// revocation, sweeping and the user overview.
type AdminHandler struct {
	Tokens   TokenService
	Accounts AccountService
	Log      *slog.Logger
}

func NewAdminHandler(tokens TokenService, accounts AccountService, log *slog.Logger) *AdminHandler {
	return &AdminHandler{Tokens: tokens, Accounts: accounts, Log: orDefault(log)}
}

type issueReq struct {
	Generations int `json:"generations" validate:"required"`
	ExpiryDays  int `json:"expiry_days"`
	Count       int `json:"count"`
}

type tokenView struct {
	Token                string     `json:"token"`
	TotalGenerations     int        `json:"total_generations"`
	RemainingGenerations int        `json:"remaining_generations"`
	Used                 bool       `json:"used"`
	ExpiresAt            *time.Time `json:"expires_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	CreatedBy            string     `json:"created_by"`
	ActivatedBy          string     `json:"activated_by,omitempty"`
	ActivatedAt          *time.Time `json:"activated_at,omitempty"`
}

func viewToken(t model.AccessToken) tokenView {
	return tokenView{
		Token:                t.Token,
		TotalGenerations:     t.TotalGenerations,
		RemainingGenerations: t.RemainingGenerations,
		Used:                 t.Used,
		ExpiresAt:            t.ExpiresAt,
		CreatedAt:            t.CreatedAt,
		CreatedBy:            t.CreatedBy,
		ActivatedBy:          t.ActivatedBy,
		ActivatedAt:          t.ActivatedAt,
	}
}

func viewTokens(ts []model.AccessToken) []tokenView {
	out := make([]tokenView, len(ts))
	for i, t := range ts {
		out[i] = viewToken(t)
	}
	return out
}

// IssueTokens creates 1-10 tokens.  A partial batch is returned alongside the
// error that stopped it.
func (h *AdminHandler) IssueTokens(c echo.Context) error {
	var req issueReq
	if err := bind(c, &req); err != nil {
		return badRequest(c, err)
	}
	if req.Count == 0 {
		req.Count = 1
	}
	ctx, cancel := reqCtx(c)
	defer cancel()

	issued, err := h.Tokens.IssueBatch(ctx, req.Count, service.IssueRequest{
		Generations: req.Generations,
		ExpiryDays:  req.ExpiryDays,
		CreatedBy:   currentUser(c),
	})
	if err != nil && len(issued) == 0 {
		return fail(c, h.Log, err)
	}
	if err != nil {
		h.Log.Warn("token batch incomplete", "requested", req.Count, "issued", len(issued), "error", err)
		return c.JSON(http.StatusMultiStatus, echo.Map{"tokens": viewTokens(issued), "error": err.Error()})
	}
	return c.JSON(http.StatusCreated, echo.Map{"tokens": viewTokens(issued)})
}

// ListTokens returns every token, newest first.
func (h *AdminHandler) ListTokens(c echo.Context) error {
	ctx, cancel := reqCtx(c)
	defer cancel()

	ts, err := h.Tokens.List(ctx)
	if err != nil {
		return fail(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"tokens": viewTokens(ts)})
}

// RevokeToken deletes a token and releases its holder.
func (h *AdminHandler) RevokeToken(c echo.Context) error {
	ctx, cancel := reqCtx(c)
	defer cancel()

	if err := h.Tokens.Revoke(ctx, c.Param("token"), currentUser(c)); err != nil {
		return fail(c, h.Log, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Sweep purges exhausted and expired tokens.
func (h *AdminHandler) Sweep(c echo.Context) error {
	ctx, cancel := reqCtx(c)
	defer cancel()

	rep, err := h.Tokens.Sweep(ctx, currentUser(c))
	if err != nil {
		return fail(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, rep)
}

type adminUserView struct {
	userView
	IsAdmin            bool       `json:"is_admin"`
	Token              string     `json:"active_token,omitempty"`
	TokenDeactivatedAt *time.Time `json:"token_deactivated_at,omitempty"`
}

// ListUsers returns every account with its token state.
func (h *AdminHandler) ListUsers(c echo.Context) error {
	ctx, cancel := reqCtx(c)
	defer cancel()

	users, err := h.Accounts.ListUsers(ctx)
	if err != nil {
		return fail(c, h.Log, err)
	}
	out := make([]adminUserView, len(users))
	for i, u := range users {
		out[i] = adminUserView{
			userView:           viewUser(u),
			IsAdmin:            u.IsAdmin,
			Token:              u.ActiveToken,
			TokenDeactivatedAt: u.TokenDeactivatedAt,
		}
	}
	return c.JSON(http.StatusOK, echo.Map{"users": out})
}
