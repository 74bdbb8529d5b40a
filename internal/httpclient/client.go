// Package httpclient builds HTTP clients with connection pooling and timeout
// settings tuned for long-running generation calls.
package httpclient

import (
	"net"
	"net/http"
	"time"
)

// Config holds transport settings for backend HTTP clients.
type Config struct {
	// MaxIdleConns caps idle keep-alive connections across all hosts.
	MaxIdleConns int

	// MaxIdleConnsPerHost caps idle keep-alive connections per host.
	MaxIdleConnsPerHost int

	// IdleConnTimeout is how long an idle connection stays open.
	IdleConnTimeout time.Duration

	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration

	// KeepAlive is the TCP keep-alive probe interval.
	KeepAlive time.Duration

	// TLSHandshakeTimeout bounds the TLS handshake.
	TLSHandshakeTimeout time.Duration

	// ResponseHeaderTimeout bounds the wait for response headers. It must
	// accommodate slow first-token latency on generation endpoints.
	ResponseHeaderTimeout time.Duration
}

// DefaultConfig returns transport settings suitable for generation backends.
// No overall client timeout is set here; per-attempt deadlines come from the
// adapter's context so that retry backoff does not eat into the call budget.
func DefaultConfig() Config {
	return Config{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		DialTimeout:           30 * time.Second,
		KeepAlive:             30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 5 * time.Minute,
	}
}

// New creates an HTTP client from cfg.
func New(cfg Config) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: cfg.KeepAlive,
		}).DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ForceAttemptHTTP2:     true,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Transport: transport}
}

// NewDefault creates an HTTP client with DefaultConfig settings.
func NewDefault() *http.Client {
	return New(DefaultConfig())
}
