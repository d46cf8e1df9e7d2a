// Package testclient is a trimmed HTTP client for driving internal/protocol
// servers from package tests, adapted from packages/client-go's public SDK
// (client.go, stream.go, errors.go) down to the operations the _test.go
// suites exercise: no batching, no idempotent-producer helper, no chunk
// iterator — a test calls Read repeatedly itself when it wants to observe
// long-poll or catch-up behavior across multiple appends.
package testclient

import (
	"net"
	"net/http"
	"strings"
	"time"
)

// Client is a lightweight HTTP client for a single test server instance.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// New constructs a Client against baseURL (e.g. an httptest.Server's URL).
func New(baseURL string) *Client {
	transport := &http.Transport{
		MaxIdleConns:        16,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     30 * time.Second,
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
	}
	return &Client{
		httpClient: &http.Client{Transport: transport},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
	}
}

// Stream returns a handle to path (e.g. "/chat/abc"). No request is made
// until an operation is called.
func (c *Client) Stream(path string) *Stream {
	return &Stream{client: c, url: c.baseURL + path}
}
