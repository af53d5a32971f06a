package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/hotelgate/internal/config"
	"github.com/wudi/hotelgate/internal/listener"
)

// Listener ids
const (
	MainListener  = "main"
	AdminListener = "admin"
)

// Server runs the gateway on the public listener and, when enabled, the
// admin endpoints on a second listener.
type Server struct {
	gateway *Gateway
	config  *config.Config
	manager *listener.Manager
	main    *listener.HTTPListener
	admin   *listener.HTTPListener

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewServer creates a new gateway server.
func NewServer(cfg *config.Config, opts ...Option) (*Server, error) {
	gw, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}

	s := &Server{
		gateway: gw,
		config:  cfg,
		manager: listener.NewManager(),
	}

	s.main, err = listener.NewHTTPListener(listener.FromListenerConfig(MainListener, cfg.Listener, gw.Handler()))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize listeners: %w", err)
	}
	s.main.RegisterOnShutdown(gw.WebSocketProxy().CloseAll)
	s.manager.Add(s.main)

	if cfg.Admin.Enabled {
		s.admin, err = listener.NewHTTPListener(listener.HTTPListenerConfig{
			ID:           AdminListener,
			Address:      cfg.Admin.Address,
			Handler:      s.adminHandler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize admin listener: %w", err)
		}
		s.manager.Add(s.admin)
	}

	return s, nil
}

// Start binds every listener. Serve must follow.
func (s *Server) Start(ctx context.Context) error {
	return s.manager.StartAll(ctx)
}

// Serve runs the listeners and background jobs until ctx is cancelled,
// Shutdown is called, or a listener fails. The gateway is closed on return.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return s.manager.Run(gctx, s.config.Listener.ShutdownTimeout)
	})
	if v := s.gateway.Restricted(); v != nil {
		g.Go(func() error { return v.Run(gctx) })
	}

	err := g.Wait()
	s.gateway.Close()
	s.gateway.logger.Info("Server shutdown complete")
	return err
}

// Run starts the server and blocks until SIGINT or SIGTERM, then shuts
// down gracefully.
func (s *Server) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.Start(ctx); err != nil {
		return err
	}
	s.gateway.logger.Info("Gateway started",
		zap.String("addr", s.main.Addr()),
		zap.Bool("tls", s.main.TLS()),
		zap.Int("routes", len(s.gateway.router.Rules())),
	)
	return s.Serve(ctx)
}

// Shutdown stops a running Serve.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// Addr returns the bound address of the main listener.
func (s *Server) Addr() string {
	return s.main.Addr()
}

// AdminAddr returns the bound address of the admin listener, or "" when disabled.
func (s *Server) AdminAddr() string {
	if s.admin == nil {
		return ""
	}
	return s.admin.Addr()
}

// Gateway returns the gateway
func (s *Server) Gateway() *Gateway {
	return s.gateway
}

func (s *Server) adminHandler() http.Handler {
	r := httprouter.New()
	r.Handler(http.MethodGet, "/metrics", s.gateway.metrics.Handler())
	r.HandlerFunc(http.MethodGet, "/health", s.handleHealth)
	r.HandlerFunc(http.MethodGet, "/routes", s.handleRoutes)
	r.HandlerFunc(http.MethodGet, "/upstreams", s.handleUpstreams)
	return r
}

// handleHealth reports liveness plus a summary of the running config.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":            "ok",
		"uptime":            time.Since(s.gateway.startTime).String(),
		"routes":            len(s.gateway.router.Rules()),
		"websocket_relays":  s.gateway.wsProxy.Active(),
		"restricted_active": s.gateway.restricted != nil,
	}
	writeJSON(w, http.StatusOK, response)
}

// handleRoutes lists the routing rules in evaluation order.
func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	type routeInfo struct {
		ID            string  `json:"id"`
		PathPrefix    string  `json:"path_prefix"`
		Upstream      string  `json:"upstream"`
		UpstreamURL   string  `json:"upstream_url"`
		WebSocket     bool    `json:"websocket"`
		RewritePrefix *string `json:"rewrite_prefix,omitempty"`
	}

	rules := s.gateway.router.Rules()
	result := make([]routeInfo, 0, len(rules))
	for _, rule := range rules {
		result = append(result, routeInfo{
			ID:            rule.ID,
			PathPrefix:    rule.PathPrefix,
			Upstream:      rule.Target.Name,
			UpstreamURL:   rule.Target.BaseURL.String(),
			WebSocket:     rule.Target.SupportsWebSocket,
			RewritePrefix: rule.RewritePrefix,
		})
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleUpstreams(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.gateway.pool.Stats())
}
