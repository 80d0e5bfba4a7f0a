package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// registerPrefix serves the register export, which scans a whole date range
// and is left without a deadline.
const registerPrefix = "/api/v1/lab/reports/"

// RequestTimeout bounds each request by timeout. Handlers see the deadline
// through the request context; when it passes first the client gets 504.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if timeout <= 0 || strings.HasPrefix(c.Request().URL.Path, registerPrefix) {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			done := make(chan error, 1)
			go func() { done <- next(c) }()

			var err error
			select {
			case err = <-done:
				if err != nil || c.Response().Committed {
					return err
				}
			case <-ctx.Done():
			}
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return echo.NewHTTPError(http.StatusGatewayTimeout, "request exceeded "+timeout.String())
			}
			// Client went away, or the handler returned without writing.
			if err == nil {
				err = ctx.Err()
			}
			return err
		}
	}
}
