package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/wudi/hotelgate/internal/config"
	gwerrors "github.com/wudi/hotelgate/internal/errors"
	"github.com/wudi/hotelgate/internal/gate"
	"github.com/wudi/hotelgate/internal/logging"
	"github.com/wudi/hotelgate/internal/metrics"
	"github.com/wudi/hotelgate/internal/middleware"
	"github.com/wudi/hotelgate/internal/middleware/cors"
	"github.com/wudi/hotelgate/internal/proxy"
	"github.com/wudi/hotelgate/internal/restricted"
	"github.com/wudi/hotelgate/internal/router"
	"github.com/wudi/hotelgate/internal/session"
	"github.com/wudi/hotelgate/internal/websocket"
)

// InternalPrefix is reserved for endpoints served by the gateway itself.
// Requests under it never reach an upstream.
const InternalPrefix = "/_gateway/"

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger used by the gateway and its components.
func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithMetrics sets the metrics collector. By default each gateway owns a
// fresh collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(g *Gateway) { g.metrics = c }
}

// Gateway is the request pipeline: CORS, internal endpoints, the access
// gate, routing, and forwarding. Every component is built once in New and
// never mutated, so a Gateway is safe for concurrent use.
type Gateway struct {
	config     *config.Config
	router     *router.Router
	codec      session.Codec
	cookie     session.CookieOptions
	gate       *gate.Gate
	cors       *cors.Policy
	pool       *proxy.TransportPool
	forwarder  *proxy.Forwarder
	wsProxy    *websocket.Proxy
	restricted *restricted.Verifier // nil when disabled
	internal   http.Handler
	metrics    *metrics.Collector
	logger     *zap.Logger
	startTime  time.Time
}

// New creates a new gateway
func New(cfg *config.Config, opts ...Option) (*Gateway, error) {
	g := &Gateway{
		config:    cfg,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = logging.Global()
	}
	if g.metrics == nil {
		g.metrics = metrics.NewCollector()
	}

	rt, err := router.FromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize routes: %w", err)
	}
	g.router = rt

	codec, err := session.NewCodec(cfg.Session.SigningSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize session codec: %w", err)
	}
	g.codec = codec
	g.cookie = cookieOptions(cfg.Session)

	g.gate = gate.New(cfg.Gate, cfg.Session, codec, gate.WithObserver(func(d gate.Decision) {
		g.metrics.RecordGateDecision(d.Outcome.String(), d.Reason.String())
	}))
	g.cors = cors.New(cfg.CORS)

	g.pool = proxy.NewTransportPool(
		proxy.TransportConfigFrom(cfg.Transport),
		rt.TargetList(),
		cfg.Transport.MaxInFlight,
		cfg.Transport.AcquireTimeout,
	)
	for _, t := range rt.TargetList() {
		if l := g.pool.Limiter(t.Name); l != nil {
			if err := g.metrics.TrackInFlight(t.Name, l.InFlight); err != nil {
				return nil, fmt.Errorf("failed to register metrics for %s: %w", t.Name, err)
			}
		}
	}

	g.forwarder = proxy.New(proxy.Config{
		TransportPool:  g.pool,
		RequestTimeout: cfg.Transport.RequestTimeout,
		FlushInterval:  cfg.Transport.FlushInterval,
		Logger:         g.logger,
		Observer: func(res proxy.Result) {
			g.metrics.RecordForward(res.Route, res.Target, res.Outcome, res.Duration)
		},
	})
	g.wsProxy = websocket.NewProxy(cfg.WebSocket, g.pool,
		websocket.WithLogger(g.logger),
		websocket.WithConnHooks(g.metrics.WebSocketOpened, g.metrics.WebSocketClosed),
	)

	if cfg.Restricted.Enabled {
		v, err := restricted.New(cfg.Restricted, codec, g.cookie,
			restricted.WithLogger(g.logger),
			restricted.WithObserver(g.metrics.RecordRestrictedAttempt),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize restricted area: %w", err)
		}
		g.restricted = v
	}

	g.internal = g.internalHandler()
	return g, nil
}

func cookieOptions(cfg config.SessionConfig) session.CookieOptions {
	return session.CookieOptions{
		Name:     cfg.CookieName,
		Path:     cfg.Path,
		Domain:   cfg.Domain,
		MaxAge:   cfg.MaxAge,
		Secure:   cfg.Secure,
		SameSite: session.ParseSameSite(cfg.SameSite),
	}
}

// Handler returns the full request pipeline.
func (g *Gateway) Handler() http.Handler {
	chain := middleware.NewBuilder().
		Use(middleware.Recovery()).
		Use(middleware.RequestID()).
		Use(middleware.LoggingWithConfig(middleware.LoggingConfig{
			Logger:    g.logger,
			SkipPaths: []string{InternalPrefix + "health"},
			OnComplete: func(c middleware.Completed) {
				g.metrics.RecordRequest(c.Method, c.Status, c.Duration)
			},
		})).
		Use(canonicalPath).
		Use(g.cors.Middleware()).
		Use(g.dispatchInternal)

	return chain.Handler(g.gate.Middleware()(http.HandlerFunc(g.serveHTTP)))
}

// canonicalPath cleans the request path before anything matches on it.
// Dot segments and repeated slashes are resolved, a trailing slash is kept.
// The gate, the router and the upstream all see the cleaned path.
func canonicalPath(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p := httprouter.CleanPath(r.URL.Path); p != r.URL.Path {
			u := *r.URL
			u.Path = p
			u.RawPath = ""
			r = r.WithContext(r.Context())
			r.URL = &u
		}
		next.ServeHTTP(w, r)
	})
}

// dispatchInternal routes /_gateway/ requests to the built-in endpoints,
// ahead of the access gate.
func (g *Gateway) dispatchInternal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, InternalPrefix) {
			g.internal.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// serveHTTP forwards a request that passed the gate.
func (g *Gateway) serveHTTP(w http.ResponseWriter, r *http.Request) {
	rule, err := g.router.Select(r.Method, r.URL.Path)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	if websocket.IsUpgradeRequest(r) && rule.Target.SupportsWebSocket {
		err = g.wsProxy.Serve(w, r, rule)
	} else {
		err = g.forwarder.Forward(w, r, rule)
	}
	if err != nil {
		g.writeError(w, r, err)
	}
}

// writeError renders a pipeline error. Nothing has been written to w yet
// when it is called.
func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ue *proxy.UpstreamError
	var re *router.RouteError
	switch {
	case errors.As(err, &ue):
		if ue.Kind == proxy.Canceled {
			return
		}
		gwerrors.ErrBackendConnection.
			WithDetail(ue.Detail()).
			WithAttemptedURL(ue.URL).
			WriteJSON(w)
	case errors.As(err, &re):
		g.logger.Error("No route matched; the fallback rule is missing",
			zap.String("method", re.Method),
			zap.String("path", re.Path),
			zap.String("request_id", middleware.GetRequestID(r)),
		)
		gwerrors.ErrInternalServer.WithRequestID(middleware.GetRequestID(r)).WriteJSON(w)
	default:
		g.logger.Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r)),
			zap.Error(err),
		)
		gwerrors.ErrInternalServer.WithRequestID(middleware.GetRequestID(r)).WriteJSON(w)
	}
}

// Close releases pooled upstream connections and drops relayed WebSockets.
func (g *Gateway) Close() error {
	g.wsProxy.CloseAll()
	g.pool.CloseIdleConnections()
	return nil
}

// GetRouter returns the router
func (g *Gateway) GetRouter() *router.Router {
	return g.router
}

// Metrics returns the metrics collector
func (g *Gateway) Metrics() *metrics.Collector {
	return g.metrics
}

// TransportPool returns the upstream transport pool
func (g *Gateway) TransportPool() *proxy.TransportPool {
	return g.pool
}

// Restricted returns the restricted-area verifier, or nil when disabled.
func (g *Gateway) Restricted() *restricted.Verifier {
	return g.restricted
}

// WebSocketProxy returns the WebSocket relay.
func (g *Gateway) WebSocketProxy() *websocket.Proxy {
	return g.wsProxy
}
