package middleware

import (
	"log/slog"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

// RequestLogger writes one slog record per request.  Server errors log at
// error level, everything else at info.
func RequestLogger(log *slog.Logger) echo.MiddlewareFunc {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "http")
	return echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"ip", v.RemoteIP,
			}
			if v.RequestID != "" {
				attrs = append(attrs, "request_id", v.RequestID)
			}
			if u := Username(c); u != "" {
				attrs = append(attrs, "user", u)
			}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error)
			}
			if v.Status >= 500 {
				log.Error("request", attrs...)
			} else {
				log.Info("request", attrs...)
			}
			return nil
		},
	})
}
