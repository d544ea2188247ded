package middleware // middleware provides shared request processing for handlers

import (
	"net/http" // http package defines standard HTTP status codes

	"github.com/labstack/echo/v4" // echo provides middleware chaining and context

	"github.com/iliyamo/genchat/internal/model" // role names
)

// RequireRole returns a middleware function that enforces that the
// authenticated user has one of the specified roles.  The roles accepted
// correspond to the values stored in the JWT's "role" claim.  If the user's
// role is not in the allowed set, the request is aborted with a 403
// Forbidden response.  JWTAuth must run first.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !allowed[Role(c)] {
				return c.JSON(http.StatusForbidden, map[string]string{"error": "forbidden"})
			}
			return next(c)
		}
	}
}

// RequireUser admits any signed-in account.
func RequireUser() echo.MiddlewareFunc { return RequireRole(model.RoleUser, model.RoleAdmin) }

// RequireAdmin admits administrators only.
func RequireAdmin() echo.MiddlewareFunc { return RequireRole(model.RoleAdmin) }
