// Package websocket relays WebSocket upgrades to upstream targets over
// hijacked connections.
package websocket

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/hotelgate/internal/config"
	"github.com/wudi/hotelgate/internal/logging"
	"github.com/wudi/hotelgate/internal/proxy"
	"github.com/wudi/hotelgate/internal/router"
)

// Proxy handles WebSocket proxying via HTTP hijack
type Proxy struct {
	pool             *proxy.TransportPool
	handshakeTimeout time.Duration
	logger           *zap.Logger
	onOpen           func(target string)
	onClose          func(target string, d time.Duration)

	mu     sync.Mutex
	nextID uint64
	active map[uint64]func()
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithLogger sets the logger used for connection events.
func WithLogger(l *zap.Logger) Option {
	return func(p *Proxy) { p.logger = l }
}

// WithConnHooks registers callbacks for relayed connections opening and closing.
func WithConnHooks(onOpen func(target string), onClose func(target string, d time.Duration)) Option {
	return func(p *Proxy) {
		p.onOpen = onOpen
		p.onClose = onClose
	}
}

// NewProxy creates a new WebSocket proxy dialing through pool
func NewProxy(cfg config.WebSocketConfig, pool *proxy.TransportPool, opts ...Option) *Proxy {
	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	p := &Proxy{
		pool:             pool,
		handshakeTimeout: timeout,
		logger:           logging.Global(),
		active:           make(map[uint64]func()),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// IsUpgradeRequest checks if the request is a WebSocket upgrade request
func IsUpgradeRequest(r *http.Request) bool {
	return headerHasToken(r.Header, "Connection", "upgrade") &&
		strings.EqualFold(strings.TrimSpace(r.Header.Get("Upgrade")), "websocket")
}

func headerHasToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, t := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(t), token) {
				return true
			}
		}
	}
	return false
}

// Serve relays the upgrade request r to rule.Target. The upstream is dialed
// before the client connection is touched, so a dial failure comes back as
// an *proxy.UpstreamError and the caller can still answer normally. A
// non-101 upstream reply is passed through as an ordinary response. After a
// 101 the two connections are spliced until either side closes.
func (p *Proxy) Serve(w http.ResponseWriter, r *http.Request, rule *router.Rule) error {
	target := rule.Target
	targetURL := target.URL(rule.RewritePath(r.URL.Path), r.URL.RawQuery)
	upstreamErr := func(err error) error {
		return &proxy.UpstreamError{
			Kind:   proxy.Classify(r.Context(), err),
			Target: target.Name,
			URL:    targetURL.String(),
			Err:    err,
		}
	}

	dialCtx, cancel := context.WithTimeout(r.Context(), p.pool.DialTimeout())
	upstream, err := p.pool.Dial(dialCtx, target)
	cancel()
	if err != nil {
		return upstreamErr(err)
	}

	outReq := (&http.Request{
		Method:     http.MethodGet,
		URL:        targetURL,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     proxy.OutboundHeader(r),
		Host:       targetURL.Host,
	}).WithContext(r.Context())
	outReq.Header.Set("Connection", "Upgrade")
	outReq.Header.Set("Upgrade", r.Header.Get("Upgrade"))

	upstream.SetDeadline(time.Now().Add(p.handshakeTimeout))
	if err := outReq.Write(upstream); err != nil {
		upstream.Close()
		return upstreamErr(err)
	}

	upstreamBuf := bufio.NewReader(upstream)
	resp, err := http.ReadResponse(upstreamBuf, outReq)
	if err != nil {
		upstream.Close()
		return upstreamErr(err)
	}

	if resp.StatusCode != http.StatusSwitchingProtocols {
		defer upstream.Close()
		defer resp.Body.Close()
		proxy.CopyResponseHeaders(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		io.Copy(w, resp.Body)
		return nil
	}
	upstream.SetDeadline(time.Time{})

	client, clientBuf, err := http.NewResponseController(w).Hijack()
	if err != nil {
		upstream.Close()
		return fmt.Errorf("websocket: hijack client connection: %w", err)
	}
	// Clear deadlines the server set for the HTTP exchange
	client.SetDeadline(time.Time{})

	if err := writeSwitchingProtocols(clientBuf.Writer, resp); err != nil {
		client.Close()
		upstream.Close()
		p.logger.Debug("WebSocket client gone during handshake", zap.String("target", target.Name), zap.Error(err))
		return nil
	}

	p.relay(client, clientBuf.Reader, upstream, upstreamBuf, target.Name, r.URL.Path)
	return nil
}

func writeSwitchingProtocols(w *bufio.Writer, resp *http.Response) error {
	if _, err := fmt.Fprintf(w, "HTTP/1.1 %s\r\n", resp.Status); err != nil {
		return err
	}
	if err := resp.Header.Write(w); err != nil {
		return err
	}
	if _, err := w.WriteString("\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

// relay copies bytes both ways. When either direction ends both
// connections are closed, which unblocks the other copy.
func (p *Proxy) relay(client net.Conn, clientR io.Reader, upstream net.Conn, upstreamR io.Reader, target, path string) {
	start := time.Now()
	if p.onOpen != nil {
		p.onOpen(target)
	}
	p.logger.Debug("WebSocket connection opened", zap.String("target", target), zap.String("path", path))

	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			client.Close()
			upstream.Close()
		})
	}
	id := p.track(closeBoth)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer closeBoth()
		io.Copy(upstream, clientR)
	}()
	go func() {
		defer wg.Done()
		defer closeBoth()
		io.Copy(client, upstreamR)
	}()
	wg.Wait()
	p.untrack(id)

	d := time.Since(start)
	if p.onClose != nil {
		p.onClose(target, d)
	}
	p.logger.Debug("WebSocket connection closed",
		zap.String("target", target),
		zap.String("path", path),
		zap.Duration("duration", d),
	)
}

func (p *Proxy) track(closeFn func()) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	p.active[p.nextID] = closeFn
	return p.nextID
}

func (p *Proxy) untrack(id uint64) {
	p.mu.Lock()
	delete(p.active, id)
	p.mu.Unlock()
}

// Active returns the number of relayed connections.
func (p *Proxy) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// CloseAll closes every relayed connection. http.Server.Shutdown does not
// track hijacked connections, so the server calls this on shutdown.
func (p *Proxy) CloseAll() {
	p.mu.Lock()
	fns := make([]func(), 0, len(p.active))
	for _, fn := range p.active {
		fns = append(fns, fn)
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
