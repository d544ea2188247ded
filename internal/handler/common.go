package handler // handler defines http handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/genchat/internal/middleware"
	"github.com/iliyamo/genchat/internal/model"
	"github.com/iliyamo/genchat/internal/service"
)

// requestTimeout bounds the store calls made by one handler.
var requestTimeout = 10 * time.Second

// SetRequestTimeout overrides the per-request store deadline.
func SetRequestTimeout(d time.Duration) {
	if d > 0 {
		requestTimeout = d
	}
}

// Validator adapts go-playground/validator to echo.Validator.
type Validator struct {
	v *validator.Validate
}

func NewValidator() *Validator { return &Validator{v: validator.New()} }

func (cv *Validator) Validate(i any) error {
	if err := cv.v.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

// bind decodes the body into req and runs the struct validator when one is
// registered on the echo instance.
func bind(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return errors.New("invalid body")
	}
	if c.Echo().Validator == nil {
		return nil
	}
	if err := c.Validate(req); err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			if s, ok := he.Message.(string); ok {
				return errors.New(s)
			}
		}
		return errors.New("invalid body")
	}
	return nil
}

func badRequest(c echo.Context, err error) error {
	return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
}

func reqCtx(c echo.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request().Context(), requestTimeout)
}

// statusOf maps service errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, service.ErrMalformedToken),
		errors.Is(err, service.ErrWeakPassword),
		errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, service.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrUserNotFound),
		errors.Is(err, service.ErrTokenNotFound),
		errors.Is(err, service.ErrSessionNotFound),
		errors.Is(err, service.ErrMessageNotFound),
		errors.Is(err, service.ErrFlowNotFound),
		errors.Is(err, service.ErrNoActiveToken):
		return http.StatusNotFound
	case errors.Is(err, service.ErrUsernameTaken),
		errors.Is(err, service.ErrEmailTaken),
		errors.Is(err, service.ErrDuplicateToken),
		errors.Is(err, service.ErrAlreadyUsed),
		errors.Is(err, service.ErrBoundToOtherUser):
		return http.StatusConflict
	case errors.Is(err, service.ErrTokenExhausted),
		errors.Is(err, service.ErrTokenExpired):
		return http.StatusGone
	case errors.Is(err, service.ErrTooManyAttempts):
		return http.StatusTooManyRequests
	case errors.Is(err, service.ErrStoreUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// fail writes err as a JSON error.  Internal errors are logged and hidden.
func fail(c echo.Context, log *slog.Logger, err error) error {
	code := statusOf(err)
	msg := err.Error()
	switch code {
	case http.StatusInternalServerError:
		log.Error("request failed", "path", c.Path(), "error", err)
		msg = "internal error"
	case http.StatusServiceUnavailable:
		log.Warn("store unavailable", "path", c.Path(), "error", err)
		msg = "service temporarily unavailable"
	}
	return c.JSON(code, echo.Map{"error": msg})
}

func orDefault(log *slog.Logger) *slog.Logger {
	if log == nil {
		return slog.Default()
	}
	return log
}

// userView is the public shape of a user record.
type userView struct {
	Username             string     `json:"username"`
	Email                string     `json:"email"`
	Role                 string     `json:"role"`
	ActiveToken          bool       `json:"has_active_token"`
	RemainingGenerations int        `json:"remaining_generations"`
	TokenActivatedAt     *time.Time `json:"token_activated_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
}

func viewUser(u model.User) userView {
	return userView{
		Username:             u.Username,
		Email:                u.Email,
		Role:                 u.Role(),
		ActiveToken:          u.ActiveToken != "",
		RemainingGenerations: u.RemainingGenerations,
		TokenActivatedAt:     u.TokenActivatedAt,
		CreatedAt:            u.CreatedAt,
	}
}

// currentUser is the username JWTAuth put in the context.
func currentUser(c echo.Context) string { return middleware.Username(c) }
