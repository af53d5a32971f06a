package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wudi/hotelgate/internal/router"
)

func testRule(t *testing.T, rawURL, prefix string, rewrite *string) *router.Rule {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatal(err)
	}
	return &router.Rule{
		ID:            "test",
		PathPrefix:    prefix,
		Target:        &router.Target{Name: "backend", BaseURL: u},
		RewritePrefix: rewrite,
	}
}

func newForwarder(cfg TransportConfig, rule *router.Rule, maxInFlight int64, opts ...func(*Config)) *Forwarder {
	c := Config{
		TransportPool: NewTransportPool(cfg, []*router.Target{rule.Target}, maxInFlight, 50*time.Millisecond),
		Logger:        zap.NewNop(),
	}
	for _, o := range opts {
		o(&c)
	}
	return New(c)
}

func closedAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func TestForward(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{
			"path":   r.URL.Path,
			"query":  r.URL.RawQuery,
			"method": r.Method,
			"host":   r.Host,
			"body":   string(body),
		})
	}))
	defer backend.Close()

	empty := ""
	rule := testRule(t, backend.URL, "/api/v1", &empty)
	f := newForwarder(DefaultTransportConfig, rule, 0)

	req := httptest.NewRequest("POST", "/api/v1/rooms?floor=2", strings.NewReader(`{"number":101}`))
	rr := httptest.NewRecorder()
	if err := f.Forward(rr, req, rule); err != nil {
		t.Fatalf("Forward: %v", err)
	}

	if rr.Code != http.StatusCreated {
		t.Errorf("expected upstream status 201, got %d", rr.Code)
	}

	var got map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	backendHost := strings.TrimPrefix(backend.URL, "http://")
	want := map[string]string{
		"path":   "/rooms",
		"query":  "floor=2",
		"method": "POST",
		"host":   backendHost,
		"body":   `{"number":101}`,
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s: expected %q, got %q", k, v, got[k])
		}
	}
}

func TestForwardMethods(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Method", r.Method)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer backend.Close()

	rule := testRule(t, backend.URL, "/", nil)
	f := newForwarder(DefaultTransportConfig, rule, 0)

	for _, m := range []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"} {
		rr := httptest.NewRecorder()
		if err := f.Forward(rr, httptest.NewRequest(m, "/x", nil), rule); err != nil {
			t.Fatalf("%s: %v", m, err)
		}
		if rr.Header().Get("X-Method") != m || rr.Code != http.StatusAccepted {
			t.Errorf("%s: got method %q status %d", m, rr.Header().Get("X-Method"), rr.Code)
		}
	}
}

func TestForwardHeaders(t *testing.T) {
	var received http.Header
	var receivedHost string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received = r.Header.Clone()
		receivedHost = r.Host
		w.Header().Set("Access-Control-Allow-Origin", "https://upstream.example")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Keep-Alive", "timeout=5")
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	rule := testRule(t, backend.URL, "/", nil)
	f := newForwarder(DefaultTransportConfig, rule, 0)

	req := httptest.NewRequest("GET", "/test", nil)
	req.RemoteAddr = "192.168.1.100:12345"
	req.Host = "hotel.example.com"
	req.Header.Set("Authorization", "Bearer abc")
	req.Header.Set("Connection", "keep-alive, X-Secret-Hop")
	req.Header.Set("X-Secret-Hop", "1")
	req.Header.Set("Proxy-Authorization", "Basic xyz")
	req.Header.Set("Te", "trailers")
	req.Header.Set("X-Forwarded-For", "10.0.0.1")
	req.Header.Set("Cookie", "hotel_session=abc")

	rr := httptest.NewRecorder()
	if err := f.Forward(rr, req, rule); err != nil {
		t.Fatal(err)
	}

	if got := received.Get("Authorization"); got != "Bearer abc" {
		t.Errorf("Authorization should pass verbatim, got %q", got)
	}
	if got := received.Get("Cookie"); got != "hotel_session=abc" {
		t.Errorf("Cookie should pass verbatim, got %q", got)
	}
	for _, h := range []string{"X-Secret-Hop", "Proxy-Authorization", "Te"} {
		if received.Get(h) != "" {
			t.Errorf("hop-by-hop header %s should be stripped", h)
		}
	}
	if got := received.Get("X-Forwarded-For"); got != "10.0.0.1, 192.168.1.100" {
		t.Errorf("X-Forwarded-For = %q", got)
	}
	if got := received.Get("X-Forwarded-Proto"); got != "http" {
		t.Errorf("X-Forwarded-Proto = %q", got)
	}
	if got := received.Get("X-Forwarded-Host"); got != "hotel.example.com" {
		t.Errorf("X-Forwarded-Host = %q", got)
	}
	if receivedHost != strings.TrimPrefix(backend.URL, "http://") {
		t.Errorf("Host should be the target host, got %q", receivedHost)
	}

	if rr.Header().Get("Access-Control-Allow-Origin") != "" || rr.Header().Get("Access-Control-Allow-Credentials") != "" {
		t.Error("upstream Access-Control-* headers should be dropped")
	}
	if rr.Header().Get("Keep-Alive") != "" {
		t.Error("hop-by-hop response header should be dropped")
	}
	if rr.Header().Get("X-Upstream") != "yes" {
		t.Error("end-to-end response header should be kept")
	}
}

func TestForwardDoesNotFollowRedirects(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer backend.Close()

	rule := testRule(t, backend.URL, "/", nil)
	f := newForwarder(DefaultTransportConfig, rule, 0)

	rr := httptest.NewRecorder()
	if err := f.Forward(rr, httptest.NewRequest("GET", "/", nil), rule); err != nil {
		t.Fatal(err)
	}
	if rr.Code != http.StatusFound || rr.Header().Get("Location") != "/elsewhere" {
		t.Errorf("expected 302 to /elsewhere, got %d %q", rr.Code, rr.Header().Get("Location"))
	}
}

func TestForwardUnreachable(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)

	cfg := DefaultTransportConfig
	cfg.DialTimeout = 500 * time.Millisecond
	rule := testRule(t, "http://"+closedAddr(t), "/", nil)

	var results []Result
	f := newForwarder(cfg, rule, 0, func(c *Config) {
		c.Logger = zap.New(core)
		c.Observer = func(r Result) { results = append(results, r) }
	})

	start := time.Now()
	rr := httptest.NewRecorder()
	err := f.Forward(rr, httptest.NewRequest("GET", "/api/v1/health?x=1", nil), rule)
	elapsed := time.Since(start)

	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("expected *UpstreamError, got %v", err)
	}
	if ue.Kind != Unreachable {
		t.Errorf("expected Unreachable, got %v", ue.Kind)
	}
	if !strings.HasSuffix(ue.URL, "/api/v1/health?x=1") || !strings.HasPrefix(ue.URL, "http://127.0.0.1:") {
		t.Errorf("unexpected attempted URL %q", ue.URL)
	}
	if ue.Detail() == "" {
		t.Error("expected a transport error description")
	}
	if elapsed > cfg.DialTimeout+time.Second {
		t.Errorf("forward took %v, longer than the dial timeout", elapsed)
	}
	if rr.Body.Len() != 0 || len(rr.Header()) != 0 {
		t.Error("nothing should be written on upstream failure")
	}

	if len(results) != 1 || results[0].Outcome != "unreachable" {
		t.Errorf("unexpected observed results %+v", results)
	}
	entries := logs.FilterMessage("Forward failed").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 failure log entry, got %d", len(entries))
	}
	if entries[0].ContextMap()["target"] != "backend" {
		t.Errorf("expected target field, got %v", entries[0].ContextMap())
	}
}

func TestForwardResponseHeaderTimeout(t *testing.T) {
	release := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer backend.Close()
	defer close(release)

	cfg := DefaultTransportConfig
	cfg.ResponseHeaderTimeout = 100 * time.Millisecond
	rule := testRule(t, backend.URL, "/", nil)
	f := newForwarder(cfg, rule, 0)

	start := time.Now()
	err := f.Forward(httptest.NewRecorder(), httptest.NewRequest("GET", "/slow", nil), rule)
	var ue *UpstreamError
	if !errors.As(err, &ue) || ue.Kind != Timeout {
		t.Fatalf("expected Timeout, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("timeout not enforced, took %v", time.Since(start))
	}
}

func TestForwardCanceledByClient(t *testing.T) {
	release := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer backend.Close()
	defer close(release)

	rule := testRule(t, backend.URL, "/", nil)
	f := newForwarder(DefaultTransportConfig, rule, 0)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", "/", nil).WithContext(ctx)
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	rr := httptest.NewRecorder()
	err := f.Forward(rr, req, rule)
	var ue *UpstreamError
	if !errors.As(err, &ue) || ue.Kind != Canceled {
		t.Fatalf("expected Canceled, got %v", err)
	}
	if rr.Body.Len() != 0 {
		t.Error("nothing should be written for a canceled request")
	}
}

func TestForwardInFlightLimit(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entered <- struct{}{}
		<-release
	}))
	defer backend.Close()

	rule := testRule(t, backend.URL, "/", nil)
	f := newForwarder(DefaultTransportConfig, rule, 1)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.Forward(httptest.NewRecorder(), httptest.NewRequest("GET", "/first", nil), rule)
	}()
	<-entered

	if got := f.TransportPool().Limiter("backend").InFlight(); got != 1 {
		t.Errorf("expected 1 in flight, got %d", got)
	}

	err := f.Forward(httptest.NewRecorder(), httptest.NewRequest("GET", "/second", nil), rule)
	var ue *UpstreamError
	if !errors.As(err, &ue) || ue.Kind != Timeout || !errors.Is(err, ErrPoolExhausted) {
		t.Errorf("expected pool exhaustion Timeout, got %v", err)
	}

	close(release)
	wg.Wait()
	if got := f.TransportPool().Limiter("backend").InFlight(); got != 0 {
		t.Errorf("expected slot released, got %d in flight", got)
	}
}

func TestForwardStreamsEventStream(t *testing.T) {
	release := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "data: first\n\n")
		w.(http.Flusher).Flush()
		<-release
		io.WriteString(w, "data: second\n\n")
	}))
	defer backend.Close()

	rule := testRule(t, backend.URL, "/", nil)
	f := newForwarder(DefaultTransportConfig, rule, 0)

	front := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := f.Forward(w, r, rule); err != nil {
			t.Errorf("Forward: %v", err)
		}
	}))
	defer front.Close()

	resp, err := http.Get(front.URL + "/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	lines := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(resp.Body).ReadString('\n')
		lines <- line
	}()

	select {
	case line := <-lines:
		if line != "data: first\n" {
			t.Errorf("unexpected first line %q", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first event was not flushed before the upstream finished")
	}
	close(release)
}

func TestClassify(t *testing.T) {
	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name string
		ctx  context.Context
		err  error
		want ErrorKind
	}{
		{"refused", context.Background(), &net.OpError{Op: "dial", Err: errors.New("connection refused")}, Unreachable},
		{"deadline", context.Background(), context.DeadlineExceeded, Timeout},
		{"pool", context.Background(), ErrPoolExhausted, Timeout},
		{"eof", context.Background(), io.EOF, ResetByPeer},
		{"unexpected eof", context.Background(), io.ErrUnexpectedEOF, ResetByPeer},
		{"client gone", canceled, errors.New("anything"), Canceled},
		{"canceled err", context.Background(), context.Canceled, Canceled},
	}
	for _, tt := range tests {
		if got := Classify(tt.ctx, tt.err); got != tt.want {
			t.Errorf("%s: Classify = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestRemoveHopHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "Upgrade, X-Custom")
	h.Set("Upgrade", "websocket")
	h.Set("X-Custom", "1")
	h.Set("Transfer-Encoding", "chunked")
	h.Set("Content-Type", "text/plain")

	RemoveHopHeaders(h)

	for _, k := range []string{"Connection", "Upgrade", "X-Custom", "Transfer-Encoding"} {
		if h.Get(k) != "" {
			t.Errorf("%s should be removed", k)
		}
	}
	if h.Get("Content-Type") != "text/plain" {
		t.Error("Content-Type should be kept")
	}
}

func TestCopyResponseHeadersMergesVary(t *testing.T) {
	tests := []struct {
		name     string
		dst      []string
		src      []string
		expected []string
	}{
		{"keeps gateway vary", []string{"Origin"}, []string{"Accept-Encoding"}, []string{"Origin", "Accept-Encoding"}},
		{"deduplicates", []string{"Origin"}, []string{"origin, Accept-Encoding"}, []string{"Origin", "Accept-Encoding"}},
		{"upstream only", nil, []string{"Accept-Encoding, Cookie"}, []string{"Accept-Encoding", "Cookie"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := http.Header{}
			for _, v := range tt.dst {
				dst.Add("Vary", v)
			}
			src := http.Header{"Vary": tt.src, "Access-Control-Allow-Origin": {"https://evil.example"}}

			CopyResponseHeaders(dst, src)

			got := dst.Values("Vary")
			if strings.Join(got, ",") != strings.Join(tt.expected, ",") {
				t.Errorf("expected Vary %v, got %v", tt.expected, got)
			}
			if dst.Get("Access-Control-Allow-Origin") != "" {
				t.Error("upstream Access-Control-* headers should be dropped")
			}
		})
	}
}
