package auth

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RequireRole admits callers holding any of roles. "admin" passes every
// check.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	denied := echo.NewHTTPError(http.StatusForbidden, "required role: "+strings.Join(roles, " or "))
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !HasRole(c.Request().Context(), roles...) {
				return denied
			}
			return next(c)
		}
	}
}
