package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// ErrorKind classifies a failed forward.
type ErrorKind int

const (
	// Unreachable covers refused connections, DNS failures and anything unclassified.
	Unreachable ErrorKind = iota
	// Timeout covers dial, response-header and request deadlines and an
	// exhausted in-flight limit.
	Timeout
	// ResetByPeer means the upstream dropped the connection mid-exchange.
	ResetByPeer
	// Canceled means the client went away; nothing is written back.
	Canceled
)

func (k ErrorKind) String() string {
	switch k {
	case Unreachable:
		return "unreachable"
	case Timeout:
		return "timeout"
	case ResetByPeer:
		return "reset_by_peer"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// UpstreamError is returned when a forward fails before any response
// was written to the client.
type UpstreamError struct {
	Kind   ErrorKind
	Target string
	URL    string // attempted upstream URL
	Err    error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s %s: %v", e.Kind, e.URL, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Detail is the client-facing description of the failure.
func (e *UpstreamError) Detail() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Err.Error()
}

// ErrPoolExhausted is reported when no in-flight slot frees up in time.
var ErrPoolExhausted = errors.New("upstream in-flight limit reached")

// Classify maps a transport error to an ErrorKind. clientCtx is the
// inbound request context; its cancellation wins over everything else.
func Classify(clientCtx context.Context, err error) ErrorKind {
	if clientCtx != nil && errors.Is(clientCtx.Err(), context.Canceled) {
		return Canceled
	}
	if errors.Is(err, ErrPoolExhausted) || errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Timeout
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ResetByPeer
	}
	if errors.Is(err, context.Canceled) {
		return Canceled
	}
	return Unreachable
}
