package config

import (
	"time"
)

// Gate modes
const (
	GateModeRedirect = "redirect"
	GateModeJSON     = "json"
)

// Config represents the complete gateway configuration
type Config struct {
	Listener   ListenerConfig            `yaml:"listener"`
	Admin      AdminConfig               `yaml:"admin"`
	Upstreams  map[string]UpstreamConfig `yaml:"upstreams"`
	Routes     []RouteConfig             `yaml:"routes"`
	Gate       GateConfig                `yaml:"gate"`
	Session    SessionConfig             `yaml:"session"`
	Restricted RestrictedConfig          `yaml:"restricted"`
	CORS       CORSConfig                `yaml:"cors"`
	Transport  TransportConfig           `yaml:"transport"`
	WebSocket  WebSocketConfig           `yaml:"websocket"`
	Logging    LoggingConfig             `yaml:"logging"`
}

// ListenerConfig defines the public HTTP listener
type ListenerConfig struct {
	Address           string        `yaml:"address"` // e.g., ":8080"
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"` // 0 keeps websockets and streams open
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	TLS               TLSConfig     `yaml:"tls"`
}

// TLSConfig defines TLS settings
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AdminConfig defines the admin listener (metrics, health, routes)
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// UpstreamConfig defines one named backend
type UpstreamConfig struct {
	URL       string `yaml:"url"`       // absolute origin, e.g. http://api:8000
	WebSocket bool   `yaml:"websocket"` // target accepts upgrade requests
}

// RouteConfig maps a path prefix to a named upstream. Order matters.
type RouteConfig struct {
	ID            string  `yaml:"id"`
	PathPrefix    string  `yaml:"path_prefix"`
	Upstream      string  `yaml:"upstream"`
	RewritePrefix *string `yaml:"rewrite_prefix"` // nil forwards the path unmodified
}

// GateConfig defines the protected path gate
type GateConfig struct {
	ProtectedPaths []string `yaml:"protected_paths"`
	LoginURL       string   `yaml:"login_url"`
	Mode           string   `yaml:"mode"`            // "redirect" or "json"
	RedirectStatus int      `yaml:"redirect_status"` // 302 or 307
}

// SessionConfig defines how the session token travels
type SessionConfig struct {
	CookieName    string        `yaml:"cookie_name"`
	Header        string        `yaml:"header"`
	MaxAge        time.Duration `yaml:"max_age"`
	SigningSecret string        `yaml:"signing_secret"` // enables signed tokens
	Path          string        `yaml:"path"`
	Domain        string        `yaml:"domain"`
	Secure        bool          `yaml:"secure"`
	SameSite      string        `yaml:"same_site"` // lax, strict, none
}

// RestrictedConfig defines the server-verified restricted-area password
type RestrictedConfig struct {
	Enabled      bool    `yaml:"enabled"`
	PasswordHash string  `yaml:"password_hash"` // bcrypt
	Rate         float64 `yaml:"rate"`          // attempts per second
	Burst        int     `yaml:"burst"`
}

// CORSConfig defines the cross-origin policy
type CORSConfig struct {
	AllowOrigin      string   `yaml:"allow_origin"` // "*" or an explicit origin
	AllowMethods     []string `yaml:"allow_methods"`
	AllowHeaders     []string `yaml:"allow_headers"`
	AllowCredentials bool     `yaml:"allow_credentials"`
	MaxAge           int      `yaml:"max_age"` // seconds
}

// TransportConfig defines upstream connection behavior
type TransportConfig struct {
	DialTimeout           time.Duration `yaml:"dial_timeout"`
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout"`
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host"`
	RequestTimeout        time.Duration `yaml:"request_timeout"` // 0 = no overall deadline
	FlushInterval         time.Duration `yaml:"flush_interval"`  // 0 = flush only event streams
	MaxInFlight           int64         `yaml:"max_in_flight"`   // per target, 0 = unbounded
	AcquireTimeout        time.Duration `yaml:"acquire_timeout"`
}

// WebSocketConfig defines upgrade relaying
type WebSocketConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"` // upstream handshake reply deadline
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Level    string            `yaml:"level"`
	Output   string            `yaml:"output"` // stdout, stderr or a file path
	Rotation LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // max megabytes before rotation (default 100)
	MaxBackups int  `yaml:"max_backups"` // old rotated files to keep (default 3)
	MaxAge     int  `yaml:"max_age"`     // days to retain old files (default 28)
	Compress   bool `yaml:"compress"`    // gzip rotated files
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Listener: ListenerConfig{
			Address:           ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
			MaxHeaderBytes:    1 << 20,
			ShutdownTimeout:   30 * time.Second,
		},
		Admin: AdminConfig{
			Enabled: true,
			Address: ":8081",
		},
		Gate: GateConfig{
			LoginURL:       "/login",
			Mode:           GateModeRedirect,
			RedirectStatus: 307,
		},
		Session: SessionConfig{
			CookieName: "hotel_session",
			Header:     "X-Session-Token",
			MaxAge:     24 * time.Hour,
			Path:       "/",
			SameSite:   "lax",
		},
		Restricted: RestrictedConfig{
			Rate:  1,
			Burst: 5,
		},
		CORS: CORSConfig{
			AllowOrigin:  "*",
			AllowMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders: []string{"Content-Type", "Authorization"},
		},
		Transport: TransportConfig{
			DialTimeout:           5 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConnsPerHost:   32,
			AcquireTimeout:        5 * time.Second,
		},
		WebSocket: WebSocketConfig{
			HandshakeTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			Rotation: LogRotationConfig{
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     28,
				Compress:   true,
			},
		},
	}
}

// DefaultUpstreams is the topology used when the config names none:
// the API server and the web frontend.
func DefaultUpstreams() map[string]UpstreamConfig {
	return map[string]UpstreamConfig{
		"api":      {URL: "http://localhost:8000"},
		"frontend": {URL: "http://localhost:3000", WebSocket: true},
	}
}

// DefaultRoutes sends /api/v1 to the API server and everything else to the frontend.
func DefaultRoutes() []RouteConfig {
	return []RouteConfig{
		{ID: "api", PathPrefix: "/api/v1", Upstream: "api"},
		{ID: "fallback", PathPrefix: "/", Upstream: "frontend"},
	}
}
