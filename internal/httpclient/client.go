// Package httpclient provides a centralized HTTP client factory with preset configurations.
package httpclient

import (
	"net"
	"net/http"
	"time"
)

const (
	// DefaultTimeout is the standard timeout for short HTTP requests (30s).
	DefaultTimeout = 30 * time.Second

	// headerTimeout bounds how long a download waits for response headers.
	headerTimeout = 30 * time.Second

	dialTimeout = 10 * time.Second
)

// Options configures an HTTP client.
type Options struct {
	Timeout   time.Duration
	Transport http.RoundTripper
}

// Option is a functional option for configuring HTTP clients.
type Option func(*Options)

// WithTimeout sets the client timeout. Zero disables the overall timeout,
// leaving cancellation to the request context.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.Timeout = d
	}
}

// WithTransport sets a custom transport.
func WithTransport(t http.RoundTripper) Option {
	return func(o *Options) {
		o.Transport = t
	}
}

// New creates a new HTTP client with the given options.
// If no timeout is specified, DefaultTimeout (30s) is used.
func New(opts ...Option) *http.Client {
	cfg := &Options{
		Timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	client := &http.Client{
		Timeout: cfg.Timeout,
	}

	if cfg.Transport != nil {
		client.Transport = cfg.Transport
	}

	return client
}

// NewDefault creates a new HTTP client with the default timeout (30s).
func NewDefault() *http.Client {
	return New()
}

// NewDownload creates a client for streaming large volume downloads.
// There is no overall timeout — a multi-hundred-MB file on a slow link
// legitimately takes minutes — but connecting and waiting for headers
// stay bounded, and the per-request context handles cancellation.
func NewDownload() *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout: dialTimeout,
		}).DialContext,
		ResponseHeaderTimeout: headerTimeout,
		ForceAttemptHTTP2:     true,
	}

	return New(WithTimeout(0), WithTransport(transport))
}
