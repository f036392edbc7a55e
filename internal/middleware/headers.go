package middleware

import (
	"github.com/labstack/echo/v4"
)

// ResponseHeaders returns an Echo middleware that stamps every response with
// a wildcard CORS origin, nosniff and frame denial. Headers are set before
// the handler runs so they survive responses written by echo's error handler.
func ResponseHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set(echo.HeaderAccessControlAllowOrigin, "*")
			h.Set(echo.HeaderXContentTypeOptions, "nosniff")
			h.Set(echo.HeaderXFrameOptions, "DENY")
			return next(c)
		}
	}
}
