package middleware

// identity.go holds the accessors for the identity JWTAuth stores in the Echo
// context.  Both return "" when the request is unauthenticated.

import (
	"github.com/labstack/echo/v4"
)

// Username returns the authenticated username.
func Username(c echo.Context) string {
	if v, ok := c.Get(UsernameKey).(string); ok {
		return v
	}
	return ""
}

// Role returns the authenticated role claim.
func Role(c echo.Context) string {
	if v, ok := c.Get(RoleKey).(string); ok {
		return v
	}
	return ""
}
