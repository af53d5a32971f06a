package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/wudi/hotelgate/internal/config"
	"github.com/wudi/hotelgate/internal/router"
)

// TransportConfig configures the HTTP transport
type TransportConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration

	// Timeouts
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	ExpectContinueTimeout time.Duration
}

// DefaultTransportConfig provides default transport settings
var DefaultTransportConfig = TransportConfig{
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   32,
	IdleConnTimeout:       90 * time.Second,
	DialTimeout:           5 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ResponseHeaderTimeout: 30 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
}

// TransportConfigFrom applies the non-zero values of cfg over the defaults.
func TransportConfigFrom(cfg config.TransportConfig) TransportConfig {
	tc := DefaultTransportConfig
	if cfg.DialTimeout > 0 {
		tc.DialTimeout = cfg.DialTimeout
	}
	if cfg.ResponseHeaderTimeout > 0 {
		tc.ResponseHeaderTimeout = cfg.ResponseHeaderTimeout
	}
	if cfg.IdleConnTimeout > 0 {
		tc.IdleConnTimeout = cfg.IdleConnTimeout
	}
	if cfg.MaxIdleConnsPerHost > 0 {
		tc.MaxIdleConnsPerHost = cfg.MaxIdleConnsPerHost
	}
	return tc
}

func (cfg TransportConfig) dialer() *net.Dialer {
	return &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
	}
}

// NewTransport creates a new HTTP transport with the given configuration.
// Redirects are never followed; RoundTrip returns them as-is.
func NewTransport(cfg TransportConfig) *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           cfg.dialer().DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: cfg.ExpectContinueTimeout,
		ForceAttemptHTTP2:     true,
	}
}

// TransportPool holds one shared transport and in-flight limiter per target.
// It is built once and read-only afterwards.
type TransportPool struct {
	cfg              TransportConfig
	defaultTransport *http.Transport
	transports       map[string]*http.Transport
	limiters         map[string]*Limiter
}

// NewTransportPool creates transports for every target. maxInFlight > 0
// bounds concurrent forwards per target, waiting at most acquireTimeout.
func NewTransportPool(cfg TransportConfig, targets []*router.Target, maxInFlight int64, acquireTimeout time.Duration) *TransportPool {
	tp := &TransportPool{
		cfg:              cfg,
		defaultTransport: NewTransport(cfg),
		transports:       make(map[string]*http.Transport, len(targets)),
		limiters:         make(map[string]*Limiter, len(targets)),
	}
	for _, t := range targets {
		tp.transports[t.Name] = NewTransport(cfg)
		if maxInFlight > 0 {
			tp.limiters[t.Name] = NewLimiter(maxInFlight, acquireTimeout)
		}
	}
	return tp
}

// Get returns the transport for the named target.
// Returns the default transport for unknown names.
func (tp *TransportPool) Get(name string) *http.Transport {
	if t, ok := tp.transports[name]; ok {
		return t
	}
	return tp.defaultTransport
}

// Limiter returns the in-flight limiter for the named target, or nil when unbounded.
func (tp *TransportPool) Limiter(name string) *Limiter {
	return tp.limiters[name]
}

// DialTimeout is the configured connect timeout.
func (tp *TransportPool) DialTimeout() time.Duration {
	return tp.cfg.DialTimeout
}

// Dial opens a raw connection to target, speaking TLS for https origins.
func (tp *TransportPool) Dial(ctx context.Context, t *router.Target) (net.Conn, error) {
	addr := hostPort(t)
	d := tp.cfg.dialer()
	if t.BaseURL.Scheme != "https" {
		return d.DialContext(ctx, "tcp", addr)
	}
	td := &tls.Dialer{
		NetDialer: d,
		Config:    &tls.Config{ServerName: t.BaseURL.Hostname(), NextProtos: []string{"http/1.1"}},
	}
	return td.DialContext(ctx, "tcp", addr)
}

func hostPort(t *router.Target) string {
	if t.BaseURL.Port() != "" {
		return t.BaseURL.Host
	}
	port := "80"
	if t.BaseURL.Scheme == "https" {
		port = "443"
	}
	return net.JoinHostPort(t.BaseURL.Hostname(), port)
}

// Stats returns per-target transport settings for admin display.
func (tp *TransportPool) Stats() map[string]interface{} {
	out := make(map[string]interface{}, len(tp.transports))
	for name, t := range tp.transports {
		entry := map[string]interface{}{
			"dial_timeout":            fmt.Sprintf("%v", tp.cfg.DialTimeout),
			"response_header_timeout": fmt.Sprintf("%v", t.ResponseHeaderTimeout),
			"max_idle_conns_per_host": t.MaxIdleConnsPerHost,
		}
		if l := tp.limiters[name]; l != nil {
			entry["max_in_flight"] = l.Capacity()
			entry["in_flight"] = l.InFlight()
		}
		out[name] = entry
	}
	return out
}

// CloseIdleConnections closes idle connections on all transports
func (tp *TransportPool) CloseIdleConnections() {
	tp.defaultTransport.CloseIdleConnections()
	for _, t := range tp.transports {
		t.CloseIdleConnections()
	}
}
