// Package httpkit builds the HTTP clients the relay uses to reach
// generation providers. Every client shares one dial and TLS policy,
// stamps a stable User-Agent, and can carry static headers such as an
// API key so secrets stay out of request URLs.
//
// Requests are never retried at this layer.
package httpkit

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/relay/internal/buildinfo"
)

const (
	dialTimeout    = 10 * time.Second
	tlsTimeout     = 10 * time.Second
	idleTimeout    = 90 * time.Second
	maxIdlePerHost = 4

	// DefaultHeaderTimeout bounds the wait for response headers. Model
	// calls that think before answering should disable it.
	DefaultHeaderTimeout = 15 * time.Second

	// maxErrorBody caps how much of a failed response is kept.
	maxErrorBody = 4096
)

// Option configures a client built by NewClient.
type Option func(*options)

type options struct {
	timeout       time.Duration
	headerTimeout time.Duration
	userAgent     string
	headers       http.Header
}

// WithTimeout sets the overall request timeout. Zero leaves deadlines
// to the caller's context.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithHeaderTimeout sets how long to wait for response headers once the
// request is written. Zero waits indefinitely.
func WithHeaderTimeout(d time.Duration) Option {
	return func(o *options) { o.headerTimeout = d }
}

// WithUserAgent overrides the default User-Agent.
func WithUserAgent(ua string) Option {
	return func(o *options) { o.userAgent = ua }
}

// WithHeader adds a header to every request that does not already set
// it. Empty values are ignored.
func WithHeader(key, value string) Option {
	return func(o *options) {
		if value != "" {
			o.headers.Set(key, value)
		}
	}
}

// NewClient builds an *http.Client with its own pooled transport.
func NewClient(opts ...Option) *http.Client {
	o := &options{
		timeout:       30 * time.Second,
		headerTimeout: DefaultHeaderTimeout,
		userAgent:     buildinfo.UserAgent(),
		headers:       make(http.Header),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.headers.Set("User-Agent", o.userAgent)

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   tlsTimeout,
		ResponseHeaderTimeout: o.headerTimeout,
		IdleConnTimeout:       idleTimeout,
		MaxIdleConnsPerHost:   maxIdlePerHost,
		ForceAttemptHTTP2:     true,
	}

	return &http.Client{
		Timeout:   o.timeout,
		Transport: &headerTransport{base: transport, headers: o.headers},
	}
}

// headerTransport fills in fixed headers the request has not set.
type headerTransport struct {
	base    http.RoundTripper
	headers http.Header
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	cloned := false
	for key, values := range t.headers {
		if req.Header.Get(key) != "" {
			continue
		}
		if !cloned {
			// RoundTrip must not modify the caller's request.
			req = req.Clone(req.Context())
			cloned = true
		}
		req.Header[key] = values
	}
	return t.base.RoundTrip(req)
}

// StatusError is a non-2xx response with an excerpt of its body.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("API error %d", e.StatusCode)
	}
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Body)
}

// CheckResponse returns nil for a 2xx response. Otherwise it reads a
// bounded excerpt of the body, closes it, and returns a *StatusError.
func CheckResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	Discard(resp)
	return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

// Discard drains a bounded amount of the body and closes it so the
// connection can return to the pool.
func Discard(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
}
