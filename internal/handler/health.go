package handler // declare the package name; contains HTTP handlers

import (
	"context"
	"net/http" // net/http provides status codes and response helpers

	"github.com/labstack/echo/v4" // echo is the web framework used for this project
)

// Health is a liveness endpoint used by load balancers and monitoring
// systems.  It returns a plain text "ok" with an HTTP 200 status code.
func Health(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Ready reports 503 while the durable store is unreachable.  The cache is
// reported but never fails the check since every path works without it.
func Ready(db Pinger, cacheEnabled bool) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := reqCtx(c)
		defer cancel()
		cacheState := "disabled"
		if cacheEnabled {
			cacheState = "enabled"
		}
		if err := db.PingContext(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, echo.Map{"status": "unavailable", "database": "down", "cache": cacheState})
		}
		return c.JSON(http.StatusOK, echo.Map{"status": "ok", "database": "up", "cache": cacheState})
	}
}
