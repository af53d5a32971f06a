package middleware

import (
	"bufio"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observedLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core), logs
}

func TestLoggingFields(t *testing.T) {
	logger, logs := observedLogger()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("created"))
	})

	final := RequestIDWithConfig(RequestIDConfig{Generator: func() string { return "rid-1" }})(
		LoggingWithConfig(LoggingConfig{Logger: logger})(handler))

	req := httptest.NewRequest("POST", "/items?foo=bar", nil)
	req.Header.Set("User-Agent", "test-agent")
	req.RemoteAddr = "10.1.2.3:5555"
	final.ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.FilterMessage("HTTP request").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 access log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()

	expected := map[string]any{
		"request_id":  "rid-1",
		"remote_addr": "10.1.2.3",
		"method":      "POST",
		"path":        "/items",
		"query":       "foo=bar",
		"status":      int64(http.StatusCreated),
		"body_bytes":  int64(7),
		"user_agent":  "test-agent",
	}
	for k, want := range expected {
		if fields[k] != want {
			t.Errorf("field %s: expected %v, got %v", k, want, fields[k])
		}
	}
	if _, ok := fields["response_time"]; !ok {
		t.Error("expected response_time field")
	}
}

func TestLoggingSkipPaths(t *testing.T) {
	logger, logs := observedLogger()

	var completed []Completed
	cfg := LoggingConfig{
		Logger:     logger,
		SkipPaths:  []string{"/_gateway/health"},
		OnComplete: func(c Completed) { completed = append(completed, c) },
	}

	final := LoggingWithConfig(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	final.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/_gateway/health", nil))
	final.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/data", nil))

	if logs.Len() != 1 {
		t.Errorf("expected 1 logged request, got %d", logs.Len())
	}
	if len(completed) != 2 {
		t.Errorf("expected OnComplete for both requests, got %d", len(completed))
	}
}

func TestLoggingDefaultStatus(t *testing.T) {
	logger, _ := observedLogger()

	var done Completed
	cfg := LoggingConfig{Logger: logger, OnComplete: func(c Completed) { done = c }}
	final := LoggingWithConfig(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello"))
	}))

	rr := httptest.NewRecorder()
	final.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))

	if done.Status != http.StatusOK {
		t.Errorf("expected status 200, got %d", done.Status)
	}
	if done.Bytes != 5 {
		t.Errorf("expected 5 bytes, got %d", done.Bytes)
	}
	if rr.Body.String() != "hello" {
		t.Errorf("expected body 'hello', got %q", rr.Body.String())
	}
}

func TestLoggingStatusPerRequest(t *testing.T) {
	logger, _ := observedLogger()

	var statuses []int
	cfg := LoggingConfig{Logger: logger, OnComplete: func(c Completed) { statuses = append(statuses, c.Status) }}
	final := LoggingWithConfig(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("ok"))
	}))

	paths := []string{"/ok", "/bad", "/bad", "/ok"}
	for _, p := range paths {
		final.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", p, nil))
	}

	expected := []int{http.StatusOK, http.StatusBadGateway, http.StatusBadGateway, http.StatusOK}
	if len(statuses) != len(expected) {
		t.Fatalf("expected %d completions, got %d", len(expected), len(statuses))
	}
	for i, want := range expected {
		if statuses[i] != want {
			t.Errorf("request %d (%s): expected status %d, got %d", i, paths[i], want, statuses[i])
		}
	}
}

func TestLoggingResponseWriterFirstStatusWins(t *testing.T) {
	rr := httptest.NewRecorder()
	lrw := &loggingResponseWriter{ResponseWriter: rr, status: http.StatusOK}

	lrw.WriteHeader(http.StatusNotFound)
	lrw.WriteHeader(http.StatusInternalServerError)

	if lrw.Status() != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", lrw.Status())
	}
}

func TestLoggingResponseWriterWrite(t *testing.T) {
	rr := httptest.NewRecorder()
	lrw := &loggingResponseWriter{ResponseWriter: rr, status: http.StatusOK}

	lrw.Write([]byte("hello "))
	lrw.Write([]byte("world"))

	if lrw.BytesWritten() != 11 {
		t.Errorf("expected 11 bytes, got %d", lrw.BytesWritten())
	}
	if rr.Body.String() != "hello world" {
		t.Errorf("expected 'hello world', got %q", rr.Body.String())
	}
}

func TestLoggingResponseWriterFlushDelegates(t *testing.T) {
	rr := httptest.NewRecorder()
	lrw := &loggingResponseWriter{ResponseWriter: rr, status: http.StatusOK}

	lrw.Flush()
	if !rr.Flushed {
		t.Error("Flush should delegate to underlying Flusher")
	}
}

func TestLoggingResponseWriterUnwrap(t *testing.T) {
	rr := httptest.NewRecorder()
	lrw := &loggingResponseWriter{ResponseWriter: rr}

	if lrw.Unwrap() != http.ResponseWriter(rr) {
		t.Error("Unwrap should return the wrapped writer")
	}
}

func TestLoggingResponseWriterHijackNotSupported(t *testing.T) {
	lrw := &loggingResponseWriter{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}

	conn, rw, err := lrw.Hijack()
	if err != http.ErrNotSupported {
		t.Errorf("expected ErrNotSupported, got %v", err)
	}
	if conn != nil || rw != nil {
		t.Error("expected nil conn and rw")
	}
	if lrw.hijacked {
		t.Error("failed hijack must not be recorded")
	}
}

// hijackableWriter implements both http.ResponseWriter and http.Hijacker.
type hijackableWriter struct {
	http.ResponseWriter
	hijacked bool
}

func (hw *hijackableWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hw.hijacked = true
	server, client := net.Pipe()
	_ = server.Close()
	return client, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func TestLoggingResponseWriterHijackDelegates(t *testing.T) {
	hw := &hijackableWriter{ResponseWriter: httptest.NewRecorder()}
	lrw := &loggingResponseWriter{ResponseWriter: hw, status: http.StatusOK}

	conn, rw, err := http.NewResponseController(lrw).Hijack()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer conn.Close()

	if rw == nil {
		t.Error("expected non-nil rw")
	}
	if !hw.hijacked {
		t.Error("Hijack should delegate to underlying Hijacker")
	}
	if lrw.Status() != http.StatusSwitchingProtocols {
		t.Errorf("expected hijacked status 101, got %d", lrw.Status())
	}
}
