// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// ProxyRequest represents an inbound client request before it is rewritten
// for the upstream.
type ProxyRequest struct {
	Ctx    context.Context
	Method string
	// Path is the escaped inbound path, still carrying the configured prefix.
	Path string
	// RawQuery is the inbound query string without the leading '?'.
	RawQuery      string
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
}

// ProxyResponse is a response headed back to the client: either a relayed
// upstream response, a preflight answer, or an error envelope.
type ProxyResponse struct {
	StatusCode    int
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
}

// ErrorEnvelope is the JSON body returned for every proxy-originated failure.
type ErrorEnvelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
