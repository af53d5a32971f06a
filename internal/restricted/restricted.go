// Package restricted verifies the restricted-area password on the server.
// The password itself never leaves the gateway: only a bcrypt hash is
// configured, and a successful attempt yields a session cookie whose record
// carries extra.area = "restricted".
package restricted

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/wudi/hotelgate/internal/config"
	"github.com/wudi/hotelgate/internal/errors"
	"github.com/wudi/hotelgate/internal/logging"
	"github.com/wudi/hotelgate/internal/session"
)

// Area is the value stored under the "area" key of a granted session.
const Area = "restricted"

// Attempt results reported to the observer.
const (
	ResultGranted   = "granted"
	ResultDenied    = "denied"
	ResultThrottled = "throttled"
)

const (
	maxBodyBytes = 4 << 10
	idleCutoff   = 5 * time.Minute
)

// Option configures a Verifier.
type Option func(*Verifier)

// WithObserver registers a callback invoked with the result of each attempt.
func WithObserver(fn func(result string)) Option {
	return func(v *Verifier) { v.observe = fn }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// WithLogger sets the logger used for attempt logging.
func WithLogger(l *zap.Logger) Option {
	return func(v *Verifier) { v.logger = l }
}

type clientEntry struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64 // unix nano
}

// Verifier checks passwords against a bcrypt hash and throttles attempts
// per client address.
type Verifier struct {
	hash    []byte
	codec   session.Codec
	cookie  session.CookieOptions
	rps     rate.Limit
	burst   int
	clients sync.Map // ip -> *clientEntry
	observe func(string)
	now     func() time.Time
	logger  *zap.Logger
}

// New creates a verifier. It fails when the configured hash is not a
// bcrypt hash.
func New(cfg config.RestrictedConfig, codec session.Codec, cookie session.CookieOptions, opts ...Option) (*Verifier, error) {
	hash := []byte(cfg.PasswordHash)
	if _, err := bcrypt.Cost(hash); err != nil {
		return nil, fmt.Errorf("restricted.password_hash: %w", err)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	rps := rate.Limit(cfg.Rate)
	if cfg.Rate <= 0 {
		rps = rate.Every(time.Second)
	}

	v := &Verifier{
		hash:   hash,
		codec:  codec,
		cookie: cookie,
		rps:    rps,
		burst:  burst,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.logger == nil {
		v.logger = logging.Global()
	}
	return v, nil
}

// Verify reports whether password matches the configured hash.
func (v *Verifier) Verify(password string) bool {
	return bcrypt.CompareHashAndPassword(v.hash, []byte(password)) == nil
}

// Allow reports whether the client at ip may make another attempt.
func (v *Verifier) Allow(ip string) bool {
	entry, _ := v.clients.LoadOrStore(ip, &clientEntry{
		limiter: rate.NewLimiter(v.rps, v.burst),
	})
	e := entry.(*clientEntry)
	now := v.now()
	e.lastSeen.Store(now.UnixNano())
	return e.limiter.AllowN(now, 1)
}

// Tracked returns the number of client addresses with a live limiter.
func (v *Verifier) Tracked() int {
	n := 0
	v.clients.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Sweep drops limiters for clients not seen since idleCutoff.
func (v *Verifier) Sweep() {
	cutoff := v.now().Add(-idleCutoff).UnixNano()
	v.clients.Range(func(key, value any) bool {
		if value.(*clientEntry).lastSeen.Load() < cutoff {
			v.clients.Delete(key)
		}
		return true
	})
}

// Run sweeps idle limiters every minute until ctx is done.
func (v *Verifier) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			v.Sweep()
		}
	}
}

// ServeHTTP handles a password attempt. The password is read from a JSON
// body {"password": "..."} or a form field named password.
func (v *Verifier) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !v.Allow(ip) {
		v.report(ResultThrottled, ip)
		w.Header().Set("Retry-After", "1")
		errors.ErrTooManyRequests.WriteJSON(w)
		return
	}

	password, err := readPassword(w, r)
	if err != nil {
		errors.ErrBadRequest.WithDetail(err.Error()).WriteJSON(w)
		return
	}

	if !v.Verify(password) {
		v.report(ResultDenied, ip)
		errors.ErrUnauthorized.WithDetail("Invalid password").WriteJSON(w)
		return
	}

	token, err := v.codec.Encode(session.NewRecord(v.now(), map[string]any{"area": Area}))
	if err != nil {
		v.logger.Error("Failed to encode restricted session", zap.Error(err))
		errors.ErrInternalServer.WriteJSON(w)
		return
	}
	v.report(ResultGranted, ip)

	session.SetCookie(w, token, v.cookie)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": ResultGranted, "area": Area})
}

func (v *Verifier) report(result, ip string) {
	v.logger.Info("Restricted area attempt",
		zap.String("result", result),
		zap.String("remote_addr", ip),
	)
	if v.observe != nil {
		v.observe(result)
	}
}

func readPassword(w http.ResponseWriter, r *http.Request) (string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var body struct {
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
			return "", fmt.Errorf("invalid JSON body")
		}
		if body.Password == "" {
			return "", fmt.Errorf("password is required")
		}
		return body.Password, nil
	}

	if err := r.ParseForm(); err != nil {
		return "", fmt.Errorf("invalid form body")
	}
	password := r.PostForm.Get("password")
	if password == "" {
		return "", fmt.Errorf("password is required")
	}
	return password, nil
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
