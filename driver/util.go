package driver

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"syscall"
)

// IsLikelyConnectionError checks if an error indicates a connection problem
// that warrants reopening the session.
func IsLikelyConnectionError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, io.EOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	errMsg := strings.ToLower(err.Error())
	for _, keyword := range connectionKeywords {
		if strings.Contains(errMsg, keyword) {
			return true
		}
	}

	return false
}

var connectionKeywords = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"use of closed network connection",
	"i/o timeout",
	"no route to host",
	"network is unreachable",
	"connection timed out",
	"eof",
	"forcibly closed",
	"socket closed",
	"not connected",
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out")
}

// classifyConnect maps a raw dial/handshake error onto a ConnectError.
func classifyConnect(address string, err error) *ConnectError {
	kind := ProtocolMismatch
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, syscall.ECONNREFUSED) || strings.Contains(msg, "refused") ||
		strings.Contains(msg, "reset by peer"):
		kind = Refused
	case errors.Is(err, context.Canceled) || isTimeout(err) ||
		strings.Contains(msg, "no route to host") || strings.Contains(msg, "unreachable") ||
		strings.Contains(msg, "no such host"):
		kind = Unreachable
	default:
		var netErr net.Error
		if errors.As(err, &netErr) {
			kind = Unreachable
		}
	}
	return &ConnectError{Kind: kind, Address: address, Err: err}
}

// classifyRead maps a raw read error onto a ReadError.
func classifyRead(block DataBlock, err error) *ReadError {
	kind := ProtocolError
	switch {
	case errors.Is(err, errSessionClosed) || errors.Is(err, context.Canceled):
		kind = NotConnected
	case isTimeout(err):
		kind = Timeout
	case IsLikelyConnectionError(err):
		kind = NotConnected
	}
	return &ReadError{Kind: kind, Block: block, Err: err}
}

var errSessionClosed = errors.New("session closed")

// callGate serializes the transport calls of one session. A call whose
// deadline passes keeps running on the transport and the next call waits
// for it before starting. Only cancellation aborts the session.
type callGate struct {
	mu      sync.Mutex
	pending chan error
}

// run runs fn on its own goroutine and returns its result. fn must not
// touch caller-owned memory, since it may still be running after return.
func (g *callGate) run(ctx context.Context, abort func(), fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := g.settle(ctx, abort); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return g.expire(ctx, abort, done)
	}
}

// settle waits for a call left behind by an earlier deadline. Its result
// is returned only when it reports a lost connection.
func (g *callGate) settle(ctx context.Context, abort func()) error {
	g.mu.Lock()
	ch := g.pending
	g.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case err := <-ch:
		g.mu.Lock()
		g.pending = nil
		g.mu.Unlock()
		if err != nil && !isTimeout(err) && IsLikelyConnectionError(err) {
			return err
		}
		return nil
	case <-ctx.Done():
		return g.expire(ctx, abort, nil)
	}
}

func (g *callGate) expire(ctx context.Context, abort func(), done chan error) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		if done != nil {
			g.mu.Lock()
			g.pending = done
			g.mu.Unlock()
		}
		return err
	}
	abort()
	return err
}
