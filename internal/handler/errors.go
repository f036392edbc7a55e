package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"jupiter-proxy/internal/service"
)

// NewErrorHandler renders echo's own errors (unknown route, body limit,
// recovered panics) as the proxy's JSON ErrorEnvelope.
func NewErrorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	logger = logger.With("component", "error_handler")

	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
		} else {
			logger.Error("unhandled error",
				"err", err,
				"path", c.Request().URL.Path,
			)
		}

		writeResponse(c, service.ErrorResponse(code, strings.ToLower(http.StatusText(code)), ""), logger)
	}
}
