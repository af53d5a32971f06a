package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
	dotenv     []string
}

// NewLoader creates a new configuration loader. Any of the given dotenv
// files that exist are loaded into the environment before the config is
// read; with none given, ".env" is tried.
func NewLoader(dotenvFiles ...string) *Loader {
	if len(dotenvFiles) == 0 {
		dotenvFiles = []string{".env"}
	}
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
		dotenv:     dotenvFiles,
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	if err := l.loadDotEnv(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// LoadFromEnv builds a configuration from defaults and the environment only.
func (l *Loader) LoadFromEnv() (*Config, error) {
	if err := l.loadDotEnv(); err != nil {
		return nil, err
	}
	return l.finish(DefaultConfig())
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := l.expandEnvVars(string(data))

	// Start with defaults
	cfg := DefaultConfig()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	return l.finish(cfg)
}

func (l *Loader) finish(cfg *Config) (*Config, error) {
	if len(cfg.Upstreams) == 0 {
		cfg.Upstreams = DefaultUpstreams()
	}
	if len(cfg.Routes) == 0 {
		cfg.Routes = DefaultRoutes()
	}

	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("environment override: %w", err)
	}

	for i := range cfg.Routes {
		if cfg.Routes[i].ID == "" {
			cfg.Routes[i].ID = fmt.Sprintf("route-%d", i)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func (l *Loader) loadDotEnv() error {
	for _, f := range l.dotenv {
		// godotenv never overrides variables that are already set
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// applyEnv layers the documented environment variables over cfg.
func applyEnv(cfg *Config) error {
	if port := os.Getenv("PORT"); port != "" {
		if _, err := strconv.Atoi(port); err != nil {
			return fmt.Errorf("PORT: %q is not a number", port)
		}
		cfg.Listener.Address = ":" + port
	}

	for _, kv := range os.Environ() {
		key, value, _ := strings.Cut(kv, "=")
		if !strings.HasPrefix(key, "UPSTREAM_") {
			continue
		}
		rest := strings.TrimPrefix(key, "UPSTREAM_")
		switch {
		case strings.HasSuffix(rest, "_URL"):
			name := strings.ToLower(strings.TrimSuffix(rest, "_URL"))
			if name == "" {
				continue
			}
			if cfg.Upstreams == nil {
				cfg.Upstreams = make(map[string]UpstreamConfig)
			}
			u := cfg.Upstreams[name]
			u.URL = value
			cfg.Upstreams[name] = u
		case strings.HasSuffix(rest, "_WEBSOCKET"):
			name := strings.ToLower(strings.TrimSuffix(rest, "_WEBSOCKET"))
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			if cfg.Upstreams == nil {
				cfg.Upstreams = make(map[string]UpstreamConfig)
			}
			u := cfg.Upstreams[name]
			u.WebSocket = b
			cfg.Upstreams[name] = u
		}
	}

	if paths := os.Getenv("PROTECTED_PATHS"); paths != "" {
		cfg.Gate.ProtectedPaths = splitList(paths)
	}
	if v := os.Getenv("LOGIN_URL"); v != "" {
		cfg.Gate.LoginURL = v
	}
	if v := os.Getenv("GATE_MODE"); v != "" {
		cfg.Gate.Mode = strings.ToLower(v)
	}
	if v := os.Getenv("CORS_ALLOWED_ORIGIN"); v != "" {
		cfg.CORS.AllowOrigin = v
	}
	if v := os.Getenv("SESSION_COOKIE_NAME"); v != "" {
		cfg.Session.CookieName = v
	}
	if v := os.Getenv("SESSION_MAX_AGE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SESSION_MAX_AGE: %w", err)
		}
		cfg.Session.MaxAge = d
	}
	if v := os.Getenv("SESSION_SIGNING_SECRET"); v != "" {
		cfg.Session.SigningSecret = v
	}
	if v := os.Getenv("RESTRICTED_PASSWORD_HASH"); v != "" {
		cfg.Restricted.PasswordHash = v
		cfg.Restricted.Enabled = true
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks cfg and reports every problem it finds in one error.
func Validate(cfg *Config) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if cfg.Listener.Address == "" {
		add("listener: address is required")
	}
	if cfg.Listener.TLS.Enabled {
		if cfg.Listener.TLS.CertFile == "" {
			add("listener: TLS enabled but cert_file not provided")
		}
		if cfg.Listener.TLS.KeyFile == "" {
			add("listener: TLS enabled but key_file not provided")
		}
	}
	if cfg.Admin.Enabled && cfg.Admin.Address == "" {
		add("admin: address is required when enabled")
	}

	// Sorted so the error text is stable
	names := make([]string, 0, len(cfg.Upstreams))
	for name := range cfg.Upstreams {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := ValidateOrigin(cfg.Upstreams[name].URL); err != nil {
			add("upstream %s: %w", name, err)
		}
	}

	validateRoutes(cfg, add)

	switch cfg.Gate.Mode {
	case GateModeRedirect, GateModeJSON:
	default:
		add("gate: invalid mode %q (must be %q or %q)", cfg.Gate.Mode, GateModeRedirect, GateModeJSON)
	}
	switch cfg.Gate.RedirectStatus {
	case 301, 302, 303, 307, 308:
	default:
		add("gate: redirect_status %d is not a redirect", cfg.Gate.RedirectStatus)
	}
	if len(cfg.Gate.ProtectedPaths) > 0 && cfg.Gate.LoginURL == "" {
		add("gate: login_url is required when protected_paths are set")
	}
	for _, p := range cfg.Gate.ProtectedPaths {
		if !strings.HasPrefix(p, "/") {
			add("gate: protected path %q must start with /", p)
		}
	}

	if cfg.Session.CookieName == "" {
		add("session: cookie_name is required")
	}
	if cfg.Session.MaxAge < 0 {
		add("session: max_age must not be negative")
	}
	switch strings.ToLower(cfg.Session.SameSite) {
	case "", "lax", "strict", "none":
	default:
		add("session: invalid same_site %q", cfg.Session.SameSite)
	}

	if cfg.Restricted.Enabled {
		if !strings.HasPrefix(cfg.Restricted.PasswordHash, "$2") {
			add("restricted: password_hash must be a bcrypt hash")
		}
		if cfg.Restricted.Rate <= 0 || cfg.Restricted.Burst <= 0 {
			add("restricted: rate and burst must be positive")
		}
	}

	if cfg.CORS.AllowOrigin == "" {
		add("cors: allow_origin is required")
	}

	if cfg.Transport.DialTimeout <= 0 {
		add("transport: dial_timeout must be positive")
	}
	if cfg.Transport.ResponseHeaderTimeout <= 0 {
		add("transport: response_header_timeout must be positive")
	}
	if cfg.Transport.MaxInFlight < 0 {
		add("transport: max_in_flight must not be negative")
	}
	if cfg.Transport.MaxInFlight > 0 && cfg.Transport.AcquireTimeout <= 0 {
		add("transport: acquire_timeout must be positive when max_in_flight is set")
	}

	if cfg.WebSocket.HandshakeTimeout <= 0 {
		add("websocket: handshake_timeout must be positive")
	}

	switch cfg.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		add("logging: invalid level %q", cfg.Logging.Level)
	}

	return errors.Join(errs...)
}

func validateRoutes(cfg *Config, add func(string, ...any)) {
	if len(cfg.Routes) == 0 {
		add("routes: at least one route is required")
		return
	}

	ids := make(map[string]bool)
	fallback := -1
	for i, r := range cfg.Routes {
		if ids[r.ID] {
			add("duplicate route id: %s", r.ID)
		}
		ids[r.ID] = true

		if !strings.HasPrefix(r.PathPrefix, "/") {
			add("route %s: path_prefix %q must start with /", r.ID, r.PathPrefix)
		}
		if _, ok := cfg.Upstreams[r.Upstream]; !ok {
			add("route %s: references unknown upstream: %s", r.ID, r.Upstream)
		}
		if r.RewritePrefix != nil && *r.RewritePrefix != "" && !strings.HasPrefix(*r.RewritePrefix, "/") {
			add("route %s: rewrite_prefix %q must be empty or start with /", r.ID, *r.RewritePrefix)
		}

		if fallback >= 0 {
			add("route %s: declared after the fallback route %s and can never match", r.ID, cfg.Routes[fallback].ID)
		} else if r.PathPrefix == "/" {
			fallback = i
		}
	}
	if fallback < 0 {
		add(`routes: a fallback route with path_prefix "/" is required`)
	}
}

// ValidateOrigin checks that raw is an absolute http(s) origin with no path.
func ValidateOrigin(raw string) error {
	if raw == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url %q must use http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", raw)
	}
	if u.Path != "" && u.Path != "/" {
		return fmt.Errorf("url %q must be an origin without a path", raw)
	}
	if u.RawQuery != "" || u.Fragment != "" || u.User != nil {
		return fmt.Errorf("url %q must be an origin without query, fragment or userinfo", raw)
	}
	return nil
}
