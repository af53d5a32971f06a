package proxy

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/hotelgate/internal/logging"
	"github.com/wudi/hotelgate/internal/router"
)

// Result describes one finished forward.
type Result struct {
	Route    string
	Target   string
	Method   string
	Status   int // 0 when no response was received
	Outcome  string
	Duration time.Duration
}

// Forwarder sends a request to the rule's target and streams the response
// back. Each inbound request gets exactly one upstream attempt.
type Forwarder struct {
	pool           *TransportPool
	requestTimeout time.Duration
	flushInterval  time.Duration
	logger         *zap.Logger
	observe        func(Result)
}

// Config holds forwarder configuration
type Config struct {
	TransportPool  *TransportPool
	RequestTimeout time.Duration // 0 = bounded only by the client and transport timeouts
	FlushInterval  time.Duration // 0 = flush only event streams
	Logger         *zap.Logger
	Observer       func(Result)
}

// New creates a new forwarder
func New(cfg Config) *Forwarder {
	pool := cfg.TransportPool
	if pool == nil {
		pool = NewTransportPool(DefaultTransportConfig, nil, 0, 0)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Global()
	}
	return &Forwarder{
		pool:           pool,
		requestTimeout: cfg.RequestTimeout,
		flushInterval:  cfg.FlushInterval,
		logger:         logger,
		observe:        cfg.Observer,
	}
}

// TransportPool returns the transport pool.
func (f *Forwarder) TransportPool() *TransportPool {
	return f.pool
}

// Forward proxies r to rule.Target. It returns an *UpstreamError when the
// upstream could not produce a response; in that case nothing has been
// written to w.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, rule *router.Rule) error {
	start := time.Now()
	clientCtx := r.Context()
	target := rule.Target
	targetURL := target.URL(rule.RewritePath(r.URL.Path), r.URL.RawQuery)

	res := Result{Route: rule.ID, Target: target.Name, Method: r.Method}
	fail := func(err error) error {
		ue := &UpstreamError{Kind: Classify(clientCtx, err), Target: target.Name, URL: targetURL.String(), Err: err}
		res.Outcome = ue.Kind.String()
		f.finish(r, res, start, ue)
		return ue
	}

	ctx := clientCtx
	if f.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.requestTimeout)
		defer cancel()
	}

	if l := f.pool.Limiter(target.Name); l != nil {
		if err := l.Acquire(ctx); err != nil {
			return fail(err)
		}
		defer l.Release()
	}

	outReq := (&http.Request{
		Method:        r.Method,
		URL:           targetURL,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        OutboundHeader(r),
		Body:          r.Body,
		ContentLength: r.ContentLength,
		Host:          targetURL.Host,
	}).WithContext(ctx)
	if r.ContentLength == 0 {
		outReq.Body = nil
	}

	resp, err := f.pool.Get(target.Name).RoundTrip(outReq)
	if err != nil {
		return fail(err)
	}
	defer resp.Body.Close()

	res.Status = resp.StatusCode
	res.Outcome = "success"

	CopyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	if err := f.copyBody(w, resp.Body, f.shouldFlush(resp)); err != nil {
		// Headers are gone; the only honest signal left is a broken response.
		res.Outcome = "aborted"
		f.finish(r, res, start, err)
		if clientCtx.Err() == nil {
			panic(http.ErrAbortHandler)
		}
		return nil
	}

	f.finish(r, res, start, nil)
	return nil
}

func (f *Forwarder) finish(r *http.Request, res Result, start time.Time, err error) {
	res.Duration = time.Since(start)
	if f.observe != nil {
		f.observe(res)
	}

	fields := []zap.Field{
		zap.String("method", res.Method),
		zap.String("path", r.URL.Path),
		zap.String("route", res.Route),
		zap.String("target", res.Target),
		zap.String("outcome", res.Outcome),
		zap.Int("status", res.Status),
		zap.Duration("duration", res.Duration),
	}
	switch {
	case err == nil:
		f.logger.Debug("Forwarded request", fields...)
	case res.Outcome == Canceled.String():
		f.logger.Debug("Client canceled forwarded request", append(fields, zap.Error(err))...)
	default:
		f.logger.Warn("Forward failed", append(fields, zap.Error(err))...)
	}
}

func (f *Forwarder) shouldFlush(resp *http.Response) bool {
	if f.flushInterval > 0 {
		return true
	}
	ct, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	return ct == "text/event-stream" || ct == "application/x-ndjson"
}

// copyBody streams body to w chunk by chunk. When flush is set each chunk
// is flushed, at most once per flushInterval.
func (f *Forwarder) copyBody(w http.ResponseWriter, body io.Reader, flush bool) error {
	if !flush {
		_, err := io.Copy(w, body)
		return ignoreClientGone(err)
	}

	rc := http.NewResponseController(w)
	buf := make([]byte, 32*1024)
	var lastFlush time.Time
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if f.flushInterval <= 0 || time.Since(lastFlush) >= f.flushInterval {
				if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
					return err
				}
				lastFlush = time.Now()
			}
		}
		if rerr == io.EOF {
			rc.Flush()
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

func ignoreClientGone(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
