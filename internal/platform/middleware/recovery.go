package middleware

import (
	"fmt"
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// PanicObserver counts recovered panics per route template.
type PanicObserver interface {
	Panic(route string)
}

const stackLimit = 8 << 10

// Recovery turns a handler panic into a 500 with the same error body the lab
// API returns, logs the stack under the request id and reports it to obs.
// obs may be nil.
func Recovery(logger zerolog.Logger, obs PanicObserver) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if r == http.ErrAbortHandler {
					panic(r)
				}
				stack := make([]byte, stackLimit)
				stack = stack[:runtime.Stack(stack, false)]

				route := c.Path()
				if route == "" {
					route = "unmatched"
				}
				rid := c.Response().Header().Get(RequestIDHeader)
				if rid == "" {
					rid = c.Request().Header.Get(RequestIDHeader)
				}
				logger.Error().
					Str("request_id", rid).
					Str("method", c.Request().Method).
					Str("route", route).
					Str("panic", fmt.Sprint(r)).
					Bytes("stack", stack).
					Msg("panic recovered")
				if obs != nil {
					obs.Panic(route)
				}

				if c.Response().Committed {
					err = nil
					return
				}
				err = c.JSON(http.StatusInternalServerError, map[string]string{
					"error":   "internal_error",
					"message": "internal server error",
				})
			}()
			return next(c)
		}
	}
}
