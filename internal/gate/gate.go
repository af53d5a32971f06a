// Package gate decides whether a request may pass to a protected path.
package gate

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/hotelgate/internal/config"
	"github.com/wudi/hotelgate/internal/errors"
	"github.com/wudi/hotelgate/internal/logging"
	"github.com/wudi/hotelgate/internal/session"
)

// MaxSessionAge is the fixed lifetime of a session record.
const MaxSessionAge = 24 * time.Hour

// Outcome is what the gate does with a request.
type Outcome int

const (
	Allow Outcome = iota
	Redirect
	Deny
)

func (o Outcome) String() string {
	switch o {
	case Allow:
		return "allow"
	case Redirect:
		return "redirect"
	case Deny:
		return "deny"
	default:
		return "unknown"
	}
}

// Reason explains an Outcome.
type Reason int

const (
	// Unprotected paths are allowed without looking at the token.
	Unprotected Reason = iota
	Valid
	NoToken
	Expired
	Invalid
)

func (r Reason) String() string {
	switch r {
	case Unprotected:
		return "unprotected"
	case Valid:
		return "valid"
	case NoToken:
		return "no_token"
	case Expired:
		return "expired"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Decision is the result of Evaluate. Location is set for Redirect.
type Decision struct {
	Outcome  Outcome
	Reason   Reason
	Location string
}

// Allowed reports whether the request may continue.
func (d Decision) Allowed() bool {
	return d.Outcome == Allow
}

// ProtectedPathSet is an ordered list of path prefixes.
type ProtectedPathSet []string

// Match reports whether path starts with any prefix in the set.
func (s ProtectedPathSet) Match(path string) bool {
	for _, p := range s {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// Option configures a Gate.
type Option func(*Gate)

// WithObserver registers a callback invoked once per decision.
func WithObserver(fn func(Decision)) Option {
	return func(g *Gate) { g.observe = fn }
}

// WithClock replaces time.Now in Middleware.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// Gate enforces session validity on protected paths. It is immutable and
// safe for concurrent use.
type Gate struct {
	paths          ProtectedPathSet
	codec          session.Codec
	loginURL       string
	jsonMode       bool
	redirectStatus int
	cookieName     string
	header         string
	observe        func(Decision)
	now            func() time.Time
}

// New creates a gate from config.
func New(cfg config.GateConfig, sess config.SessionConfig, codec session.Codec, opts ...Option) *Gate {
	g := &Gate{
		paths:          append(ProtectedPathSet(nil), cfg.ProtectedPaths...),
		codec:          codec,
		loginURL:       cfg.LoginURL,
		jsonMode:       cfg.Mode == config.GateModeJSON,
		redirectStatus: cfg.RedirectStatus,
		cookieName:     sess.CookieName,
		header:         sess.Header,
		now:            time.Now,
	}
	if g.redirectStatus == 0 {
		g.redirectStatus = http.StatusTemporaryRedirect
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Protected reports whether path requires a session.
func (g *Gate) Protected(path string) bool {
	return g.paths.Match(path)
}

// Evaluate decides whether a request for path carrying rawToken may pass.
// An empty rawToken means no token was sent.
func (g *Gate) Evaluate(path, rawToken string, now time.Time) Decision {
	d := g.evaluate(path, rawToken, now)
	if g.observe != nil {
		g.observe(d)
	}
	return d
}

func (g *Gate) evaluate(path, rawToken string, now time.Time) Decision {
	if !g.paths.Match(path) {
		return Decision{Outcome: Allow, Reason: Unprotected}
	}
	if rawToken == "" {
		return g.deny(path, NoToken)
	}

	rec, err := g.codec.Decode(rawToken)
	if err != nil || !rec.Authenticated {
		return g.deny(path, Invalid)
	}
	// Exactly MaxSessionAge old is still valid
	if rec.Age(now) > MaxSessionAge {
		return g.deny(path, Expired)
	}
	return Decision{Outcome: Allow, Reason: Valid}
}

func (g *Gate) deny(path string, reason Reason) Decision {
	if g.jsonMode {
		return Decision{Outcome: Deny, Reason: reason}
	}
	return Decision{Outcome: Redirect, Reason: reason, Location: g.LoginLocation(path)}
}

// LoginLocation builds the login URL carrying path in the redirect parameter.
func (g *Gate) LoginLocation(path string) string {
	sep := "?"
	if strings.Contains(g.loginURL, "?") {
		sep = "&"
	}
	return g.loginURL + sep + "redirect=" + url.QueryEscape(path)
}

// Middleware applies Evaluate ahead of next. Denials never reach next.
func (g *Gate) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			if !g.paths.Match(path) {
				if g.observe != nil {
					g.observe(Decision{Outcome: Allow, Reason: Unprotected})
				}
				next.ServeHTTP(w, r)
				return
			}

			token := session.FromRequest(r, g.cookieName, g.header)
			d := g.Evaluate(path, token, g.now())
			if d.Allowed() {
				next.ServeHTTP(w, r)
				return
			}

			logging.Debug("Access denied",
				zap.String("path", path),
				zap.String("outcome", d.Outcome.String()),
				zap.String("reason", d.Reason.String()),
			)

			w.Header().Set("Cache-Control", "no-store")
			if d.Outcome == Redirect {
				http.Redirect(w, r, d.Location, g.redirectStatus)
				return
			}
			// Same body for every reason
			errors.ErrUnauthorized.WriteJSON(w)
		})
	}
}
