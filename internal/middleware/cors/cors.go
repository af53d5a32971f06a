package cors

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/wudi/hotelgate/internal/config"
)

// requiredHeaders are always part of Access-Control-Allow-Headers.
var requiredHeaders = []string{"Content-Type", "Authorization"}

// Policy computes the gateway's CORS headers. The gateway owns CORS for
// every response, proxied or not.
type Policy struct {
	allowOrigin      string
	allowAllOrigins  bool
	allowMethods     string
	allowHeaders     string
	allowCredentials bool
	maxAge           string
}

// New creates a policy from config
func New(cfg config.CORSConfig) *Policy {
	p := &Policy{
		allowOrigin:      cfg.AllowOrigin,
		allowCredentials: cfg.AllowCredentials,
	}
	if p.allowOrigin == "" {
		p.allowOrigin = "*"
	}
	p.allowAllOrigins = p.allowOrigin == "*"

	if len(cfg.AllowMethods) > 0 {
		p.allowMethods = strings.Join(cfg.AllowMethods, ", ")
	} else {
		p.allowMethods = "GET, POST, PUT, PATCH, DELETE, OPTIONS"
	}

	p.allowHeaders = strings.Join(mergeHeaders(requiredHeaders, cfg.AllowHeaders), ", ")

	if cfg.MaxAge > 0 {
		p.maxAge = strconv.Itoa(cfg.MaxAge)
	} else {
		p.maxAge = "86400"
	}

	return p
}

func mergeHeaders(base, extra []string) []string {
	out := append([]string(nil), base...)
	seen := make(map[string]bool, len(base)+len(extra))
	for _, h := range base {
		seen[http.CanonicalHeaderKey(h)] = true
	}
	for _, h := range extra {
		h = strings.TrimSpace(h)
		if h == "" || seen[http.CanonicalHeaderKey(h)] {
			continue
		}
		seen[http.CanonicalHeaderKey(h)] = true
		out = append(out, h)
	}
	return out
}

// IsPreflight returns true for any OPTIONS request. None are forwarded.
func IsPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions
}

// Preflight answers an OPTIONS request with 204 and the CORS headers.
// It returns false, writing nothing, for other methods.
func (p *Policy) Preflight(w http.ResponseWriter, r *http.Request) bool {
	if !IsPreflight(r) {
		return false
	}
	p.Decorate(w.Header(), r)
	w.Header().Set("Access-Control-Max-Age", p.maxAge)
	w.WriteHeader(http.StatusNoContent)
	return true
}

// Decorate sets the CORS response headers on h for request r.
func (p *Policy) Decorate(h http.Header, r *http.Request) {
	origin := p.allowOrigin
	if p.allowAllOrigins && p.allowCredentials {
		// "*" is not honored with credentials; echo the caller instead
		if reqOrigin := r.Header.Get("Origin"); reqOrigin != "" {
			origin = reqOrigin
			h.Add("Vary", "Origin")
		}
	}

	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Methods", p.allowMethods)
	h.Set("Access-Control-Allow-Headers", p.allowHeaders)
	if p.allowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
}

// Middleware short-circuits preflights and decorates every other response
// before the rest of the chain runs.
func (p *Policy) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if p.Preflight(w, r) {
				return
			}
			p.Decorate(w.Header(), r)
			next.ServeHTTP(w, r)
		})
	}
}
