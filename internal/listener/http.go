package listener

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/wudi/hotelgate/internal/config"
)

// HTTPListener wraps an HTTP server as a Listener
type HTTPListener struct {
	id      string
	address string
	server  *http.Server
	tlsCfg  *tls.Config

	mu       sync.Mutex
	listener net.Listener
}

// HTTPListenerConfig holds configuration for creating an HTTP listener
type HTTPListenerConfig struct {
	ID                string
	Address           string
	Handler           http.Handler
	TLS               config.TLSConfig
	ReadTimeout       time.Duration // 0 = no limit
	WriteTimeout      time.Duration // 0 = no limit, required for long-lived streams
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	ReadHeaderTimeout time.Duration
}

// FromListenerConfig maps the public listener settings onto an HTTPListenerConfig.
func FromListenerConfig(id string, cfg config.ListenerConfig, h http.Handler) HTTPListenerConfig {
	return HTTPListenerConfig{
		ID:                id,
		Address:           cfg.Address,
		Handler:           h,
		TLS:               cfg.TLS,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

// NewHTTPListener creates a new HTTP listener
func NewHTTPListener(cfg HTTPListenerConfig) (*HTTPListener, error) {
	h := &HTTPListener{
		id:      cfg.ID,
		address: cfg.Address,
	}

	if cfg.TLS.Enabled {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificates: %w", err)
		}
		h.tlsCfg = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	idleTimeout := cfg.IdleTimeout
	if idleTimeout == 0 {
		idleTimeout = 120 * time.Second
	}

	maxHeaderBytes := cfg.MaxHeaderBytes
	if maxHeaderBytes == 0 {
		maxHeaderBytes = 1 << 20 // 1MB
	}

	readHeaderTimeout := cfg.ReadHeaderTimeout
	if readHeaderTimeout == 0 {
		readHeaderTimeout = 10 * time.Second
	}

	h.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           cfg.Handler,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       idleTimeout,
		MaxHeaderBytes:    maxHeaderBytes,
		ReadHeaderTimeout: readHeaderTimeout,
		TLSConfig:         h.tlsCfg,
	}

	return h, nil
}

// ID returns the listener ID
func (h *HTTPListener) ID() string {
	return h.id
}

// Addr returns the bound address once Start has succeeded, and the
// configured address before that.
func (h *HTTPListener) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener != nil {
		return h.listener.Addr().String()
	}
	return h.address
}

// TLS reports whether the listener terminates TLS.
func (h *HTTPListener) TLS() bool {
	return h.tlsCfg != nil
}

// Start binds the socket. Bind errors are returned here rather than from Serve.
func (h *HTTPListener) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", h.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.address, err)
	}
	if h.tlsCfg != nil {
		ln = tls.NewListener(ln, h.tlsCfg)
	}

	h.mu.Lock()
	h.listener = ln
	h.mu.Unlock()
	return nil
}

// Serve accepts connections until Stop is called. A stopped listener
// returns nil.
func (h *HTTPListener) Serve() error {
	h.mu.Lock()
	ln := h.listener
	h.mu.Unlock()
	if ln == nil {
		return fmt.Errorf("listener %s: Serve called before Start", h.id)
	}

	if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the HTTP listener, waiting for in-flight requests until ctx ends.
func (h *HTTPListener) Stop(ctx context.Context) error {
	return h.server.Shutdown(ctx)
}

// RegisterOnShutdown registers fn to run when Stop begins. Hijacked
// connections are not tracked by the server, so their owners hook in here.
func (h *HTTPListener) RegisterOnShutdown(fn func()) {
	h.server.RegisterOnShutdown(fn)
}

// Server returns the underlying HTTP server
func (h *HTTPListener) Server() *http.Server {
	return h.server
}
