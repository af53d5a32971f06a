package middleware

import (
	"bufio"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/wudi/hotelgate/internal/logging"
	"go.uber.org/zap"
)

var loggingRWPool = sync.Pool{
	New: func() any { return &loggingResponseWriter{} },
}

// Completed describes a finished request. It is handed to
// LoggingConfig.OnComplete after the access log line is written.
type Completed struct {
	Method   string
	Path     string
	Status   int
	Bytes    int64
	Duration time.Duration
	Hijacked bool
}

// LoggingConfig configures the logging middleware
type LoggingConfig struct {
	// Logger receives the access log. Nil means the global logger.
	Logger *zap.Logger
	// SkipPaths are paths that should not be logged
	SkipPaths []string
	// OnComplete, when set, is called for every request including skipped ones.
	OnComplete func(Completed)
}

// Logging creates a logging middleware with default config
func Logging() Middleware {
	return LoggingWithConfig(LoggingConfig{})
}

// LoggingWithConfig creates a logging middleware with custom config
func LoggingWithConfig(cfg LoggingConfig) Middleware {
	skipPaths := make(map[string]bool, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skipPaths[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			lrw := loggingRWPool.Get().(*loggingResponseWriter)
			lrw.ResponseWriter = w
			lrw.status = http.StatusOK
			lrw.bytes = 0
			lrw.wrote = false
			lrw.hijacked = false

			next.ServeHTTP(lrw, r)

			done := Completed{
				Method:   r.Method,
				Path:     r.URL.Path,
				Status:   lrw.status,
				Bytes:    lrw.bytes,
				Duration: time.Since(start),
				Hijacked: lrw.hijacked,
			}
			lrw.ResponseWriter = nil
			loggingRWPool.Put(lrw)

			if !skipPaths[r.URL.Path] {
				logger := cfg.Logger
				if logger == nil {
					logger = logging.Global()
				}
				logRequest(logger, r, done)
			}
			if cfg.OnComplete != nil {
				cfg.OnComplete(done)
			}
		})
	}
}

func logRequest(logger *zap.Logger, r *http.Request, done Completed) {
	// Stack-allocated array avoids slice growth allocations.
	var fields [10]zap.Field
	n := 0
	fields[n] = zap.String("request_id", GetRequestID(r)); n++
	fields[n] = zap.String("remote_addr", clientIP(r)); n++
	fields[n] = zap.String("method", done.Method); n++
	fields[n] = zap.String("path", done.Path); n++
	fields[n] = zap.Int("status", done.Status); n++
	fields[n] = zap.Int64("body_bytes", done.Bytes); n++
	fields[n] = zap.Duration("response_time", done.Duration); n++
	if r.URL.RawQuery != "" {
		fields[n] = zap.String("query", r.URL.RawQuery); n++
	}
	if ua := r.UserAgent(); ua != "" {
		fields[n] = zap.String("user_agent", ua); n++
	}
	if done.Hijacked {
		fields[n] = zap.Bool("upgraded", true); n++
	}
	logger.Info("HTTP request", fields[:n]...)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// loggingResponseWriter wraps http.ResponseWriter to capture status and bytes
type loggingResponseWriter struct {
	http.ResponseWriter
	status   int
	bytes    int64
	wrote    bool
	hijacked bool
}

func (lrw *loggingResponseWriter) WriteHeader(status int) {
	if !lrw.wrote {
		lrw.status = status
		lrw.wrote = status >= 200 || status == http.StatusSwitchingProtocols
	}
	lrw.ResponseWriter.WriteHeader(status)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	lrw.wrote = true
	n, err := lrw.ResponseWriter.Write(b)
	lrw.bytes += int64(n)
	return n, err
}

// Flush implements http.Flusher
func (lrw *loggingResponseWriter) Flush() {
	lrw.wrote = true
	if f, ok := lrw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker. A hijacked connection is recorded as 101.
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	conn, rw, err := h.Hijack()
	if err == nil {
		lrw.hijacked = true
		lrw.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (lrw *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return lrw.ResponseWriter
}

// Status returns the recorded status code
func (lrw *loggingResponseWriter) Status() int {
	return lrw.status
}

// BytesWritten returns the number of bytes written
func (lrw *loggingResponseWriter) BytesWritten() int64 {
	return lrw.bytes
}
