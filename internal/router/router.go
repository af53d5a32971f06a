// Package router maps request paths to upstream targets through an ordered
// list of prefix rules.
package router

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/wudi/hotelgate/internal/config"
)

// Target is an upstream backend.
type Target struct {
	Name              string
	BaseURL           *url.URL
	SupportsWebSocket bool
}

// URL returns the absolute upstream URL for path and rawQuery.
func (t *Target) URL(path, rawQuery string) *url.URL {
	u := *t.BaseURL
	u.Path = singleJoinSlash(t.BaseURL.Path, path)
	u.RawPath = ""
	u.RawQuery = rawQuery
	return &u
}

// Rule routes requests whose path starts with PathPrefix to Target.
type Rule struct {
	ID            string
	PathPrefix    string
	Target        *Target
	RewritePrefix *string // nil forwards the path unmodified
}

// RewritePath replaces the matched prefix with RewritePrefix when set.
// path must start with the rule's PathPrefix.
func (r *Rule) RewritePath(path string) string {
	if r.RewritePrefix == nil {
		return path
	}
	rest := strings.TrimPrefix(path, r.PathPrefix)
	out := *r.RewritePrefix
	switch {
	case rest == "":
	case out == "":
		out = rest
	default:
		out = singleJoinSlash(out, rest)
	}
	if !strings.HasPrefix(out, "/") {
		out = "/" + out
	}
	return out
}

// singleJoinSlash joins two URL path segments with exactly one slash.
func singleJoinSlash(a, b string) string {
	if a == "" {
		return b
	}
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

// RouteErrorKind classifies routing failures.
type RouteErrorKind int

const (
	// NoMatch means no rule matched. It only happens when the fallback
	// invariant was bypassed.
	NoMatch RouteErrorKind = iota
)

// RouteError is returned by Select when no rule applies.
type RouteError struct {
	Kind   RouteErrorKind
	Method string
	Path   string
}

func (e *RouteError) Error() string {
	return fmt.Sprintf("no route matches %s %s", e.Method, e.Path)
}

// Router selects the first rule, in declared order, whose prefix matches.
// It is immutable after New and safe for concurrent use without locking.
type Router struct {
	rules []*Rule
}

// ErrNoFallback is returned by New when no rule has the "/" prefix.
var ErrNoFallback = errors.New(`router: a fallback rule with prefix "/" is required`)

// New creates a router. It fails without a "/" fallback rule or when rules
// are declared after it, since those could never match.
func New(rules []*Rule) (*Router, error) {
	fallback := -1
	for i, r := range rules {
		if r.Target == nil || r.Target.BaseURL == nil {
			return nil, fmt.Errorf("router: rule %s has no target", r.ID)
		}
		if r.PathPrefix == "/" {
			fallback = i
			break
		}
	}
	if fallback < 0 {
		return nil, ErrNoFallback
	}
	if fallback != len(rules)-1 {
		return nil, fmt.Errorf("router: rule %s is declared after the fallback rule %s", rules[fallback+1].ID, rules[fallback].ID)
	}
	return &Router{rules: append([]*Rule(nil), rules...)}, nil
}

// FromConfig builds targets and rules from cfg.
func FromConfig(cfg *config.Config) (*Router, error) {
	targets, err := Targets(cfg)
	if err != nil {
		return nil, err
	}

	rules := make([]*Rule, 0, len(cfg.Routes))
	for _, rc := range cfg.Routes {
		t, ok := targets[rc.Upstream]
		if !ok {
			return nil, fmt.Errorf("router: route %s references unknown upstream %s", rc.ID, rc.Upstream)
		}
		rules = append(rules, &Rule{
			ID:            rc.ID,
			PathPrefix:    rc.PathPrefix,
			Target:        t,
			RewritePrefix: rc.RewritePrefix,
		})
	}
	return New(rules)
}

// Targets parses every configured upstream.
func Targets(cfg *config.Config) (map[string]*Target, error) {
	targets := make(map[string]*Target, len(cfg.Upstreams))
	for name, uc := range cfg.Upstreams {
		if err := config.ValidateOrigin(uc.URL); err != nil {
			return nil, fmt.Errorf("router: upstream %s: %w", name, err)
		}
		u, _ := url.Parse(uc.URL)
		u.Path = ""
		targets[name] = &Target{Name: name, BaseURL: u, SupportsWebSocket: uc.WebSocket}
	}
	return targets, nil
}

// Select returns the first rule whose prefix matches path. The "/" rule
// matches every path, including ones without a leading slash.
func (rt *Router) Select(method, path string) (*Rule, error) {
	for _, r := range rt.rules {
		if r.PathPrefix == "/" || strings.HasPrefix(path, r.PathPrefix) {
			return r, nil
		}
	}
	return nil, &RouteError{Kind: NoMatch, Method: method, Path: path}
}

// Rules returns the rules in evaluation order.
func (rt *Router) Rules() []*Rule {
	return append([]*Rule(nil), rt.rules...)
}

// TargetList returns the distinct targets referenced by the rules, sorted by name.
func (rt *Router) TargetList() []*Target {
	seen := make(map[string]*Target)
	for _, r := range rt.rules {
		seen[r.Target.Name] = r.Target
	}
	out := make([]*Target, 0, len(seen))
	for _, t := range seen {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
