package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/genchat/internal/middleware"
	"github.com/iliyamo/genchat/internal/model"
	"github.com/iliyamo/genchat/internal/service"
	"github.com/iliyamo/genchat/internal/utils"
)

// AccountService is the part of service.Accounts the HTTP layer uses.
type AccountService interface {
	Register(ctx context.Context, in service.RegisterInput) (model.User, error)
	Login(ctx context.Context, identifier, password string) (model.User, error)
	GetUser(ctx context.Context, username string) (model.User, error)
	UpdateProfile(ctx context.Context, username string, p service.ProfileUpdate) (model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
}

// RefreshStore keeps hashed refresh tokens.  *repository.RefreshTokenRepo
// implements it.
type RefreshStore interface {
	StoreRefresh(ctx context.Context, username, tokenHash string, exp time.Time) error
	ValidateRefresh(ctx context.Context, tokenHash string) (string, error)
	RevokeByHash(ctx context.Context, tokenHash string) error
	RevokeAllForUser(ctx context.Context, username string) error
}

// TokenStatusReader reports a user's active token.
type TokenStatusReader interface {
	Status(ctx context.Context, username string) (service.TokenStatus, error)
}

// AuthConfig carries the JWT settings.
type AuthConfig struct {
	JWTSecret      string
	AccessTTLMin   int
	RefreshTTLDays int
}

// AuthHandler bundles dependencies for auth and profile endpoints.
type AuthHandler struct {
	Cfg      AuthConfig
	Accounts AccountService
	Refresh  RefreshStore
	Tokens   TokenStatusReader
	Log      *slog.Logger
}

func NewAuthHandler(cfg AuthConfig, accounts AccountService, refresh RefreshStore, tokens TokenStatusReader, log *slog.Logger) *AuthHandler {
	return &AuthHandler{Cfg: cfg, Accounts: accounts, Refresh: refresh, Tokens: tokens, Log: orDefault(log)}
}

// ----- DTOs -----

type registerReq struct {
	Username string `json:"username" validate:"required"`
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// loginReq accepts either field; email wins when both are set.
type loginReq struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password" validate:"required"`
}

type refreshReq struct {
	RefreshToken string `json:"refresh_token"`
}

type updateMeReq struct {
	Username *string `json:"username"`
	Email    *string `json:"email"`
	Password *string `json:"password"`
}

type tokenPart struct {
	Token   string    `json:"token"`
	Expires time.Time `json:"expires"`
}

type authResp struct {
	User    userView  `json:"user"`
	Access  tokenPart `json:"access"`
	Refresh tokenPart `json:"refresh"`
}

// issuePair signs an access token and stores a new refresh token for u.
func (h *AuthHandler) issuePair(ctx context.Context, u model.User) (authResp, error) {
	access, err := utils.NewAccessToken(h.Cfg.JWTSecret, u.Username, u.Role(), h.Cfg.AccessTTLMin)
	if err != nil {
		return authResp{}, err
	}
	refresh, err := utils.NewRefreshToken(h.Cfg.RefreshTTLDays)
	if err != nil {
		return authResp{}, err
	}
	if err := h.Refresh.StoreRefresh(ctx, u.Username, utils.HashRefreshRaw(refresh.Raw), refresh.Exp); err != nil {
		return authResp{}, err
	}
	return authResp{
		User:    viewUser(u),
		Access:  tokenPart{Token: access.Token, Expires: access.Exp},
		Refresh: tokenPart{Token: refresh.Raw, Expires: refresh.Exp},
	}, nil
}

// Register creates an account and returns a token pair immediately.
func (h *AuthHandler) Register(c echo.Context) error {
	var req registerReq
	if err := bind(c, &req); err != nil {
		return badRequest(c, err)
	}
	ctx, cancel := reqCtx(c)
	defer cancel()

	u, err := h.Accounts.Register(ctx, service.RegisterInput{Username: req.Username, Email: req.Email, Password: req.Password})
	if err != nil {
		return fail(c, h.Log, err)
	}
	resp, err := h.issuePair(ctx, u)
	if err != nil {
		return fail(c, h.Log, err)
	}
	return c.JSON(http.StatusCreated, resp)
}

// Login verifies credentials and returns a new token pair.
func (h *AuthHandler) Login(c echo.Context) error {
	var req loginReq
	if err := bind(c, &req); err != nil {
		return badRequest(c, err)
	}
	identifier := strings.TrimSpace(req.Email)
	if identifier == "" {
		identifier = strings.TrimSpace(req.Username)
	}
	if identifier == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "username or email required"})
	}
	ctx, cancel := reqCtx(c)
	defer cancel()

	u, err := h.Accounts.Login(ctx, identifier, req.Password)
	if err != nil {
		return fail(c, h.Log, err)
	}
	resp, err := h.issuePair(ctx, u)
	if err != nil {
		return fail(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// RefreshTokens validates a refresh token by hash, revokes it and issues a new pair.
func (h *AuthHandler) RefreshTokens(c echo.Context) error {
	var req refreshReq
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.RefreshToken) == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "refresh_token required"})
	}
	hash := utils.HashRefreshRaw(strings.TrimSpace(req.RefreshToken))

	ctx, cancel := reqCtx(c)
	defer cancel()

	username, err := h.Refresh.ValidateRefresh(ctx, hash)
	if err != nil {
		if errors.Is(err, service.ErrStoreUnavailable) {
			return fail(c, h.Log, err)
		}
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid refresh"})
	}
	if err := h.Refresh.RevokeByHash(ctx, hash); err != nil {
		return fail(c, h.Log, err)
	}
	u, err := h.Accounts.GetUser(ctx, username)
	if errors.Is(err, service.ErrUserNotFound) {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid refresh"})
	}
	if err != nil {
		return fail(c, h.Log, err)
	}
	resp, err := h.issuePair(ctx, u)
	if err != nil {
		return fail(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// Logout revokes the refresh token in the body, or every refresh token of
// the bearer when the body has none.
func (h *AuthHandler) Logout(c echo.Context) error {
	var req refreshReq
	_ = c.Bind(&req)
	refreshToken := strings.TrimSpace(req.RefreshToken)

	ctx, cancel := reqCtx(c)
	defer cancel()

	if refreshToken != "" {
		hash := utils.HashRefreshRaw(refreshToken)
		if _, err := h.Refresh.ValidateRefresh(ctx, hash); err != nil {
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid refresh token"})
		}
		if err := h.Refresh.RevokeByHash(ctx, hash); err != nil {
			return fail(c, h.Log, err)
		}
		return c.NoContent(http.StatusNoContent)
	}

	raw, ok := middleware.BearerToken(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "provide Authorization header or refresh_token"})
	}
	claims, err := utils.ParseAccessToken(h.Cfg.JWTSecret, raw)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	if err := h.Refresh.RevokeAllForUser(ctx, claims.Username); err != nil {
		return fail(c, h.Log, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Me returns the caller's profile with their token status.
func (h *AuthHandler) Me(c echo.Context) error {
	ctx, cancel := reqCtx(c)
	defer cancel()

	u, err := h.Accounts.GetUser(ctx, currentUser(c))
	if err != nil {
		return fail(c, h.Log, err)
	}
	st, err := h.Tokens.Status(ctx, u.Username)
	if err != nil {
		return fail(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"user": viewUser(u), "token": st})
}

// UpdateMe changes the caller's profile.  A rename invalidates every
// session issued under the old name, so a fresh token pair is returned.
func (h *AuthHandler) UpdateMe(c echo.Context) error {
	var req updateMeReq
	if err := bind(c, &req); err != nil {
		return badRequest(c, err)
	}
	ctx, cancel := reqCtx(c)
	defer cancel()

	username := currentUser(c)
	u, err := h.Accounts.UpdateProfile(ctx, username, service.ProfileUpdate{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		return fail(c, h.Log, err)
	}
	if u.Username == username {
		return c.JSON(http.StatusOK, echo.Map{"user": viewUser(u)})
	}
	resp, err := h.issuePair(ctx, u)
	if err != nil {
		return fail(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, resp)
}
