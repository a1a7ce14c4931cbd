// Package httpclient builds the outbound HTTP clients used for gateway
// control requests and media library refresh calls.
package httpclient

import (
	"net/http"
	"time"
)

const (
	// DefaultTimeout is the standard timeout for most HTTP requests (30s).
	DefaultTimeout = 30 * time.Second

	// ControlTimeout bounds gateway description and SOAP control calls (10s).
	ControlTimeout = 10 * time.Second

	userAgent = "rarlink"
)

// Options configures an HTTP client.
type Options struct {
	Timeout   time.Duration
	Transport http.RoundTripper
	UserAgent string
}

// Option is a functional option for configuring HTTP clients.
type Option func(*Options)

// WithTimeout sets the client timeout.
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

// WithUserAgent overrides the User-Agent sent on every request.
func WithUserAgent(ua string) Option {
	return func(o *Options) {
		o.UserAgent = ua
	}
}

type uaTransport struct {
	next http.RoundTripper
	ua   string
}

func (t *uaTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.ua)
	}
	return t.next.RoundTrip(req)
}

// New creates a new HTTP client with the given options.
// If no timeout is specified, DefaultTimeout (30s) is used.
func New(opts ...Option) *http.Client {
	cfg := &Options{
		Timeout:   DefaultTimeout,
		UserAgent: userAgent,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	next := cfg.Transport
	if next == nil {
		next = http.DefaultTransport
	}

	return &http.Client{
		Timeout:   cfg.Timeout,
		Transport: &uaTransport{next: next, ua: cfg.UserAgent},
	}
}

// NewControl creates a client for UPnP gateway control requests.
func NewControl(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = ControlTimeout
	}
	return New(WithTimeout(timeout))
}
