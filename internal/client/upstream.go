// Package client provides the upstream HTTP client for the Jupiter API.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"jupiter-proxy/internal/config"
	"jupiter-proxy/internal/metrics"
	"jupiter-proxy/internal/model"
)

// FailureKind classifies an upstream call that produced no response.
type FailureKind int

const (
	FailureOther FailureKind = iota
	FailureTimeout
	FailureConnection
	FailureCanceled
	// FailureRequestBody means the inbound body could not be read, e.g. it
	// exceeded the body limit. The upstream is not at fault.
	FailureRequestBody
)

func (k FailureKind) String() string {
	switch k {
	case FailureTimeout:
		return "timeout"
	case FailureConnection:
		return "connection"
	case FailureCanceled:
		return "canceled"
	case FailureRequestBody:
		return "request_body"
	default:
		return "other"
	}
}

// UpstreamError is returned for every failed upstream call. Kind is decided
// here, where the transport error is first observed.
type UpstreamError struct {
	Kind FailureKind
	Err  error
}

func (e *UpstreamError) Error() string { return e.Err.Error() }

func (e *UpstreamError) Unwrap() error { return e.Err }

// UpstreamClient sends requests to the upstream API over a pooled transport
// shared by all requests.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	logger = logger.With("component", "upstream_client")
	if err := http2.ConfigureTransport(transport); err != nil {
		logger.Warn("http2 unavailable for upstream transport", "err", err)
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Upstream.Timeout(),
			// Redirects are relayed to the caller, not followed.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:  logger,
		metrics: m,
	}
}

// Do executes an HTTP request against the upstream and returns the raw response.
// The caller is responsible for closing the response body.
func (c *UpstreamClient) Do(req *http.Request) (*model.ProxyResponse, error) {
	return c.do(req, nil)
}

func (c *UpstreamClient) do(req *http.Request, body *bodyReader) (*model.ProxyResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)
	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
	}

	if err != nil {
		uerr := &UpstreamError{Kind: classify(err), Err: fmt.Errorf("upstream request: %w", err)}
		if berr := body.Err(); berr != nil {
			uerr = &UpstreamError{Kind: FailureRequestBody, Err: fmt.Errorf("read request body: %w", berr)}
		}
		if c.metrics != nil {
			c.metrics.UpstreamFailures.WithLabelValues(method, uerr.Kind.String()).Inc()
		}
		return nil, uerr
	}

	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
	}

	return &model.ProxyResponse{
		StatusCode:    resp.StatusCode,
		Header:        resp.Header,
		Body:          resp.Body,
		ContentLength: resp.ContentLength,
	}, nil
}

// DoStream executes a request and returns the response body as a stream.
// The caller is responsible for closing the returned ReadCloser.
// The provided context controls the lifetime of the upstream request:
// when the context is canceled (e.g. client disconnects), the upstream
// request is also canceled.
func (c *UpstreamClient) DoStream(ctx context.Context, method, url string, header http.Header, body io.Reader, contentLength int64) (*model.ProxyResponse, error) {
	var tracked *bodyReader
	if contentLength == 0 || body == nil || body == http.NoBody {
		body = http.NoBody
	} else {
		tracked = &bodyReader{r: body}
		body = tracked
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, &UpstreamError{Kind: FailureOther, Err: fmt.Errorf("build upstream request: %w", err)}
	}
	req.Header = header
	if contentLength != 0 {
		req.ContentLength = contentLength
	}

	return c.do(req, tracked)
}

// bodyReader remembers the first read error of the inbound body. The
// transport reads it from its own goroutine.
type bodyReader struct {
	r io.Reader

	mu  sync.Mutex
	err error
}

func (b *bodyReader) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		b.mu.Lock()
		if b.err == nil {
			b.err = err
		}
		b.mu.Unlock()
	}
	return n, err
}

// Err returns the recorded read error. It is safe on a nil receiver.
func (b *bodyReader) Err() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// classify maps an error returned by http.Client.Do to a FailureKind.
func classify(err error) FailureKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}
	if errors.Is(err, context.Canceled) {
		return FailureCanceled
	}
	// Anything else out of the transport (DNS, refused, reset, TLS, EOF)
	// means no usable connection to the upstream.
	return FailureConnection
}
