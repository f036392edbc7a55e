package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"jupiter-proxy/internal/config"
	"jupiter-proxy/internal/model"
	"jupiter-proxy/internal/service"
)

// ProxyHandler forwards prefixed API requests to the upstream Jupiter API.
type ProxyHandler struct {
	service   *service.ProxyService
	logger    *slog.Logger
	bodyLimit int64
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, cfg *config.Config, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service:   svc,
		logger:    logger.With("component", "proxy_handler"),
		bodyLimit: cfg.Server.BodyMaxBytes,
	}
}

// Handle proxies the request to the upstream API and streams the response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          req.URL.EscapedPath(),
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		Body:          limitedBody{ReadCloser: req.Body, limit: h.bodyLimit},
		ContentLength: req.ContentLength,
	}

	writeResponse(c, h.service.Handle(pr), h.logger)
	return nil
}

// Preflight is a middleware answering every OPTIONS request, on any path, as
// a CORS preflight. Other requests continue down the chain.
func (h *ProxyHandler) Preflight(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if c.Request().Method != http.MethodOptions {
			return next(c)
		}
		writeResponse(c, h.service.Preflight(), h.logger)
		return nil
	}
}

// limitedBody reports echo's BodyLimit rejection, which only surfaces while
// the transport streams a chunked body upstream, as *http.MaxBytesError.
type limitedBody struct {
	io.ReadCloser
	limit int64
}

func (b limitedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	var he *echo.HTTPError
	if errors.As(err, &he) && he.Code == http.StatusRequestEntityTooLarge {
		err = &http.MaxBytesError{Limit: b.limit}
	}
	return n, err
}

// writeResponse copies resp onto the echo response and closes its body.
func writeResponse(c echo.Context, resp *model.ProxyResponse, logger *slog.Logger) {
	defer func() { _ = resp.Body.Close() }()

	hdr := c.Response().Header()
	for key, vals := range resp.Header {
		hdr[key] = vals
	}

	c.Response().WriteHeader(resp.StatusCode)

	// Once the status is sent a failure can only truncate the body; the
	// client sees the original status with a short body.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		var mbErr *http.MaxBytesError
		if errors.As(err, &mbErr) {
			logger.Error("upstream response truncated at max_response_size",
				"limit", mbErr.Limit,
				"path", c.Request().URL.Path,
			)
			return
		}
		logger.Error("streaming response body",
			"err", err,
			"path", c.Request().URL.Path,
		)
	}
}
