// Package service implements the core proxy forwarding logic.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/golang/gddo/httputil/header"
	"golang.org/x/time/rate"

	"jupiter-proxy/internal/client"
	"jupiter-proxy/internal/config"
	"jupiter-proxy/internal/model"
)

var (
	// ErrMissingCredential is returned when the deployment requires a credential and none is configured.
	ErrMissingCredential = errors.New("server configuration error: missing API key")
	// ErrResponseTooLarge is returned when the upstream declares a body above upstream.max_response_size.
	ErrResponseTooLarge = errors.New("upstream response exceeds max_response_size")
)

// Human-facing envelope messages.
const (
	msgMissingCredential = "server configuration error: missing API key"
	msgTimeout           = "upstream request timed out"
	msgConnection        = "failed to connect to upstream"
	msgCanceled          = "client disconnected"
	msgTooLarge          = "upstream response too large"
	msgBodyTooLarge      = "request body too large"
	msgBodyUnreadable    = "failed to read request body"
	msgFailed            = "proxy request failed"
)

const (
	headerAllowOrigin = "Access-Control-Allow-Origin"
	snippetLen        = 256
)

// bearerPattern matches bearer tokens embedded in error text.
var bearerPattern = regexp.MustCompile(`(?i)(bearer\s+)[^\s"',]+`)

// Forwarder performs the single upstream call for a request.
type Forwarder interface {
	DoStream(ctx context.Context, method, url string, header http.Header, body io.Reader, contentLength int64) (*model.ProxyResponse, error)
}

// ProxyService turns one inbound request into one outbound response. It holds
// no per-request state and is safe for concurrent use.
type ProxyService struct {
	client  Forwarder
	cfg     *config.Config
	logger  *slog.Logger
	baseURL string
	prefix  string

	preflight http.Header
	warnEvery *rate.Sometimes
}

// NewProxyService creates a ProxyService targeting the configured enumerated upstream.
func NewProxyService(c Forwarder, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	u, err := config.ResolveBase(cfg.Upstream.Base)
	if err != nil {
		return nil, fmt.Errorf("resolve upstream base: %w", err)
	}
	return newProxyService(c, cfg, logger, u), nil
}

// NewProxyServiceForTest creates a ProxyService that treats upstream.base as a
// literal URL, skipping the enumeration. This is intended only for tests that
// use httptest servers on localhost.
func NewProxyServiceForTest(c Forwarder, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	u, err := url.Parse(cfg.Upstream.Base)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base: %w", err)
	}
	return newProxyService(c, cfg, logger, u), nil
}

func newProxyService(c Forwarder, cfg *config.Config, logger *slog.Logger, base *url.URL) *ProxyService {
	return &ProxyService{
		client:    c,
		cfg:       cfg,
		logger:    logger.With("component", "proxy_service"),
		baseURL:   strings.TrimSuffix(base.String(), "/"),
		prefix:    cfg.Upstream.PathPrefix,
		preflight: preflightHeader(&cfg.CORS),
		warnEvery: &rate.Sometimes{Interval: time.Second},
	}
}

func preflightHeader(c *config.CORSConfig) http.Header {
	methods, headers := c.AllowMethods, c.AllowHeaders
	if len(methods) == 0 {
		methods = config.DefaultAllowMethods
	}
	if len(headers) == 0 {
		headers = config.DefaultAllowHeaders
	}

	h := http.Header{}
	h.Set(headerAllowOrigin, "*")
	h.Set("Access-Control-Allow-Methods", strings.Join(methods, ", "))
	h.Set("Access-Control-Allow-Headers", strings.Join(headers, ", "))
	if c.MaxAgeSeconds > 0 {
		h.Set("Access-Control-Max-Age", strconv.Itoa(c.MaxAgeSeconds))
	}
	return h
}

// Handle produces the response for one inbound request. It never fails:
// every error becomes a JSON ErrorEnvelope. The caller must close the body.
func (s *ProxyService) Handle(pr *model.ProxyRequest) *model.ProxyResponse {
	if pr.Method == http.MethodOptions {
		return s.Preflight()
	}

	resp, err := s.Forward(pr)
	if err != nil {
		return s.errorResponse(pr, err)
	}
	return resp
}

// Preflight answers a CORS preflight without contacting the upstream.
func (s *ProxyService) Preflight() *model.ProxyResponse {
	return &model.ProxyResponse{
		StatusCode: http.StatusNoContent,
		Header:     s.preflight.Clone(),
		Body:       http.NoBody,
	}
}

// Forward sends a ProxyRequest to the upstream API and returns the normalized response.
// The caller is responsible for closing the response body.
//
// A non-2xx upstream status is a successful relay, not an error.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	if s.cfg.Auth.RequireCredential && s.cfg.Auth.Credential == "" {
		return nil, ErrMissingCredential
	}

	target := s.buildTarget(pr.Path, pr.RawQuery)
	hdr := s.rewriteRequestHeaders(pr.Header)

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
		"target", target,
	)

	ctx := pr.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	resp, err := s.client.DoStream(ctx, pr.Method, target, hdr, pr.Body, pr.ContentLength)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	limit := s.cfg.Upstream.MaxResponseBytes()
	if limit > 0 && resp.ContentLength > limit {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: declared %d bytes, limit %d", ErrResponseTooLarge, resp.ContentLength, limit)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		s.warnUpstreamStatus(pr, resp)
	}

	return s.relay(resp, limit), nil
}

// buildTarget joins the upstream base, the inbound path with the prefix
// removed once, and the untouched query string.
func (s *ProxyService) buildTarget(path, rawQuery string) string {
	target := s.baseURL + stripPrefix(path, s.prefix)
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	return target
}

// stripPrefix removes prefix from the start of path when it matches whole
// segments. Other paths are passed through unchanged.
func stripPrefix(path, prefix string) string {
	switch {
	case prefix == "":
		return path
	case path == prefix:
		return ""
	case strings.HasPrefix(path, prefix+"/"):
		return path[len(prefix):]
	default:
		return path
	}
}

// rewriteRequestHeaders copies the inbound headers into a fresh map, drops
// Host and hop-by-hop headers, and installs the configured credential.
func (s *ProxyService) rewriteRequestHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src)+1)
	copyEndToEnd(dst, src)
	dst.Del("Host")
	if s.cfg.Auth.Credential != "" {
		dst.Set("Authorization", "Bearer "+s.cfg.Auth.Credential)
	}
	return dst
}

// relay builds the outgoing response from the upstream one. Overrides are
// applied to a fresh header map after the copy.
func (s *ProxyService) relay(resp *model.ProxyResponse, limit int64) *model.ProxyResponse {
	hdr := make(http.Header, len(resp.Header)+2)
	copyEndToEnd(hdr, resp.Header)

	hdr.Set(headerAllowOrigin, "*")
	if s.cfg.Auth.Credential != "" {
		hdr.Set("Cache-Control", "no-store")
	}
	if hdr.Get("Content-Type") == "" {
		hdr.Set("Content-Type", "application/json")
	}

	body := resp.Body
	if limit > 0 {
		body = http.MaxBytesReader(nil, body, limit)
	}

	return &model.ProxyResponse{
		StatusCode:    resp.StatusCode,
		Header:        hdr,
		Body:          body,
		ContentLength: resp.ContentLength,
	}
}

// copyEndToEnd copies src into dst, skipping hop-by-hop headers and any
// header named in src's Connection list.
func copyEndToEnd(dst, src http.Header) {
	listed := make(map[string]bool)
	for _, name := range header.ParseList(src, "Connection") {
		listed[http.CanonicalHeaderKey(name)] = true
	}
	for key, vals := range src {
		key = http.CanonicalHeaderKey(key)
		if isHopByHopHeader(key) || listed[key] {
			continue
		}
		dst[key] = append([]string(nil), vals...)
	}
}

// isHopByHopHeader reports whether a canonical header name applies to a single
// connection and must not be forwarded.
func isHopByHopHeader(name string) bool {
	switch name {
	case
		"Connection",
		"Proxy-Connection",
		"Keep-Alive",
		"Proxy-Authenticate",
		"Proxy-Authorization",
		"Te",
		"Trailer",
		"Transfer-Encoding",
		"Upgrade":
		return true
	default:
		return false
	}
}

// warnUpstreamStatus logs an upstream error status with the start of its body,
// at most once per second. The peeked bytes are put back in front of the body.
func (s *ProxyService) warnUpstreamStatus(pr *model.ProxyRequest, resp *model.ProxyResponse) {
	s.warnEvery.Do(func() {
		var snippet string
		if resp.Header.Get("Content-Encoding") == "" {
			buf := make([]byte, snippetLen)
			n, _ := io.ReadFull(resp.Body, buf)
			buf = buf[:n]
			resp.Body = struct {
				io.Reader
				io.Closer
			}{io.MultiReader(bytes.NewReader(buf), resp.Body), resp.Body}
			snippet = string(buf)
		}
		s.logger.Warn("upstream returned error status",
			"method", pr.Method,
			"path", pr.Path,
			"status", resp.StatusCode,
			"body", snippet,
		)
	})
}

// errorResponse converts a Forward failure into a JSON ErrorEnvelope response.
func (s *ProxyService) errorResponse(pr *model.ProxyRequest, err error) *model.ProxyResponse {
	status, human, raw := http.StatusBadGateway, msgFailed, s.sanitizeError(err)

	var (
		uerr  *client.UpstreamError
		mbErr *http.MaxBytesError
	)
	switch {
	case errors.Is(err, ErrMissingCredential):
		status, human, raw = http.StatusInternalServerError, msgMissingCredential, ""
	case errors.Is(err, ErrResponseTooLarge):
		human = msgTooLarge
	case errors.As(err, &mbErr):
		status, human = http.StatusRequestEntityTooLarge, msgBodyTooLarge
	case errors.As(err, &uerr):
		switch uerr.Kind {
		case client.FailureTimeout:
			human = msgTimeout
		case client.FailureConnection:
			human = msgConnection
		case client.FailureCanceled:
			human = msgCanceled
		case client.FailureRequestBody:
			status, human = http.StatusBadRequest, msgBodyUnreadable
		}
	}

	switch {
	case status == http.StatusInternalServerError:
		s.logger.Error("refusing to forward: no upstream credential configured; set auth.credential or UPSTREAM_CREDENTIAL",
			"path", pr.Path,
		)
	case status < http.StatusInternalServerError:
		s.logger.Warn("rejected request body",
			"err", s.sanitizeError(err),
			"method", pr.Method,
			"path", pr.Path,
		)
	default:
		s.logger.Error("proxy error",
			"err", s.sanitizeError(err),
			"method", pr.Method,
			"path", pr.Path,
		)
	}

	return ErrorResponse(status, human, raw)
}

// ErrorResponse builds an ErrorEnvelope response carrying the CORS origin header.
func ErrorResponse(status int, human, raw string) *model.ProxyResponse {
	body, _ := json.Marshal(model.ErrorEnvelope{
		Success: false,
		Error:   human,
		Message: raw,
	})

	hdr := http.Header{}
	hdr.Set("Content-Type", "application/json")
	hdr.Set(headerAllowOrigin, "*")

	return &model.ProxyResponse{
		StatusCode:    status,
		Header:        hdr,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}

// sanitizeError redacts the configured credential and bearer tokens from error text.
func (s *ProxyService) sanitizeError(err error) string {
	msg := err.Error()
	if cred := s.cfg.Auth.Credential; cred != "" {
		msg = strings.ReplaceAll(msg, cred, "[REDACTED]")
	}
	return bearerPattern.ReplaceAllString(msg, "${1}[REDACTED]")
}
