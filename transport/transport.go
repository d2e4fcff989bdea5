// Package transport issues signed HTTP requests against the secret store and
// decodes its JSON responses.
//
// It is the only package in this library doing network I/O. The packages
// above it only rely on the Do contract, so tests can swap in a fake.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// TokenHeader carries the bearer token of an authenticated client.
	TokenHeader = "X-Vault-Token"

	// NamespaceHeader selects the tenant namespace, when the store is
	// namespace-enabled.
	NamespaceHeader = "X-Vault-Namespace"
)

// DefaultMaxResponseSize is used when Config.MaxResponseSize is <= 0.
const DefaultMaxResponseSize = 4096

// DefaultTimeout is used when Config.Timeout is <= 0.
const DefaultTimeout = 30 * time.Second

const promNamespace = "vaulttransport"

var requestCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: promNamespace,
	Name:      "requests_total",
	Help:      "Total number of requests issued against the secret store",
}, []string{"method", "success"})

// Config configures a Client.
//
// Can be deserialized from YAML.
type Config struct {
	// BaseURL of the secret store, e.g. "https://vault.example.com:8200".
	// Required.
	BaseURL string `yaml:"url"`

	// Namespace is sent as the X-Vault-Namespace header when non-empty.
	Namespace string `yaml:"namespace"`

	// Timeout bounds every request issued through this client.
	// When <=0 DefaultTimeout is used.
	Timeout time.Duration `yaml:"timeout"`

	// MaxResponseSize caps how many bytes of a response body will be read.
	// When <=0 DefaultMaxResponseSize is used.
	MaxResponseSize int64 `yaml:"maxResponseSize"`

	// MaxConnsPerHost is passed through to the underlying http.Transport.
	MaxConnsPerHost int `yaml:"maxConnsPerHost"`

	// Middlewares to wrap around the underlying round tripper.
	// When nil, DefaultMiddlewares() is used. Pass an empty non-nil slice
	// to disable middlewares entirely.
	Middlewares []ClientMiddleware
}

// Client issues requests against the secret store.
//
// Use NewClient to construct one. Client is safe for concurrent use.
type Client struct {
	baseURL         string
	namespace       string
	maxResponseSize int64
	http            *http.Client
}

// NewClient creates a Client with the configured timeout, connection pool
// and round-tripper middlewares.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxSize := cfg.MaxResponseSize
	if maxSize <= 0 {
		maxSize = DefaultMaxResponseSize
	}
	middlewares := cfg.Middlewares
	if middlewares == nil {
		middlewares = DefaultMiddlewares()
	}

	var tripper http.RoundTripper = &http.Transport{
		MaxConnsPerHost: cfg.MaxConnsPerHost,
	}
	for i := len(middlewares) - 1; i >= 0; i-- {
		tripper = middlewares[i](tripper)
	}

	return &Client{
		baseURL:         strings.TrimSuffix(cfg.BaseURL, "/"),
		namespace:       cfg.Namespace,
		maxResponseSize: maxSize,
		http: &http.Client{
			Timeout:   timeout,
			Transport: tripper,
		},
	}
}

// CloseIdleConnections releases the transport resources held by the client.
// In-flight requests are abandoned by process shutdown, not cancelled.
func (c *Client) CloseIdleConnections() {
	c.http.CloseIdleConnections()
}

// Do issues a request against the store and decodes the JSON response body
// into result.
//
// The path must start with "/". When token is non-empty it is sent as the
// bearer token header. A nil body means no request body; a nil result
// discards the response body.
//
// Non-2xx responses are returned as *StatusError. Timeouts surface as plain
// transport errors; the caller decides whether the prior cached value is
// still usable.
func (c *Client) Do(ctx context.Context, method, path, token string, body, result interface{}) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("transport: failed to encode request body for %s: %w", path, err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("transport: failed to build request for %s: %w", path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set(TokenHeader, token)
	}
	if c.namespace != "" {
		req.Header.Set(NamespaceHeader, c.namespace)
	}

	resp, err := c.http.Do(req)
	requestCounter.With(prometheus.Labels{
		"method":  method,
		"success": fmt.Sprint(err == nil),
	}).Inc()
	if err != nil {
		return fmt.Errorf("transport: request to %s failed: %w", path, err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	// Read one byte past the cap so we can tell apart "exactly at the cap"
	// from "truncated".
	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponseSize+1))
	if err != nil {
		return fmt.Errorf("transport: failed to read response from %s: %w", path, err)
	}
	if int64(len(raw)) > c.maxResponseSize {
		return fmt.Errorf(
			"transport: response from %s exceeds the %d byte limit",
			path,
			c.maxResponseSize,
		)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{
			Method: method,
			Path:   path,
			Code:   resp.StatusCode,
		}
	}

	if result == nil {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("transport: malformed response from %s: %w", path, err)
	}
	return nil
}

// StatusError is returned by Do when the store answers with a non-2xx
// status code.
type StatusError struct {
	Method string
	Path   string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("transport: %s %s returned HTTP %d", e.Method, e.Path, e.Code)
}
