package driver

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"plcmonitor/logging"
	"plcmonitor/s7"
)

// S7Connector opens sessions to Siemens S7 CPUs.
type S7Connector struct {
	// Timeout bounds the connect handshake and each request.
	// Zero means s7.DefaultTimeout.
	Timeout time.Duration
}

// Open connects to the CPU at dev.Address using dev.Rack and dev.Slot.
func (c *S7Connector) Open(ctx context.Context, dev Device) (Session, error) {
	logging.DebugConnect("s7", dev.Address, fmt.Sprintf("rack=%d slot=%d", dev.Rack, dev.Slot))

	client, err := dial(ctx, func() (*s7.Client, error) {
		return s7.Connect(dev.Address, s7.WithRackSlot(dev.Rack, dev.Slot), s7.WithTimeout(c.Timeout))
	}, func(cl *s7.Client) { cl.Close() })
	if err != nil {
		logging.DebugConnectError("s7", dev.Address, err)
		return nil, classifyConnect(dev.Address, err)
	}

	logging.DebugConnectSuccess("s7", dev.Address, client.ConnectionMode())
	return &s7Session{client: client, address: dev.Address}, nil
}

type s7Session struct {
	client   *s7.Client
	address  string
	scratch  []byte
	calls    callGate
	closed   atomic.Bool
	inflight atomic.Int32
}

func (s *s7Session) ReadRegion(ctx context.Context, block DataBlock, dst []byte) error {
	if s.closed.Load() {
		return &ReadError{Kind: NotConnected, Block: block, Err: errSessionClosed}
	}
	if len(dst) < block.Amount {
		return &ReadError{Kind: ProtocolError, Block: block,
			Err: fmt.Errorf("destination holds %d bytes, block needs %d", len(dst), block.Amount)}
	}
	if cap(s.scratch) < block.Amount {
		s.scratch = make([]byte, block.Amount)
	}
	scratch := s.scratch[:block.Amount]

	if err := ctx.Err(); err != nil {
		return classifyRead(block, err)
	}

	err := s.calls.run(ctx, func() { s.Close() }, func() error {
		s.inflight.Add(1)
		defer s.inflight.Add(-1)
		return s.client.ReadDB(block.Number, block.Offset, scratch)
	})
	if err != nil {
		if s.closed.Load() {
			err = fmt.Errorf("%w: %v", errSessionClosed, err)
		}
		return classifyRead(block, err)
	}

	copy(dst, scratch)
	logging.DebugRX("s7", s.address, scratch)
	return nil
}

func (s *s7Session) Identity(ctx context.Context) (DeviceCode, error) {
	var info *s7.CPUInfo
	err := s.calls.run(ctx, func() { s.Close() }, func() error {
		var err error
		info, err = s.client.GetCPUInfo()
		return err
	})
	if err != nil {
		return UnknownDeviceCode, &QueryError{Err: err}
	}
	code := info.ModelCode()
	if code < 0 {
		return UnknownDeviceCode, &QueryError{Err: fmt.Errorf("no model number in %q", info.ModuleTypeName)}
	}
	return DeviceCode(code), nil
}

// Close marks the session closed. The transport is released immediately
// when idle, or in the background while a request is still in flight.
func (s *s7Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	logging.DebugDisconnect("s7", s.address, "session closed")
	if s.inflight.Load() > 0 {
		go s.client.Close()
		return nil
	}
	s.client.Close()
	return nil
}

// dial runs open on its own goroutine so a cancelled ctx returns at once.
// A connection that completes after cancellation is passed to discard.
func dial[T any](ctx context.Context, open func() (T, error), discard func(T)) (T, error) {
	type result struct {
		conn T
		err  error
	}
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	ch := make(chan result, 1)
	go func() {
		conn, err := open()
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil {
				discard(r.conn)
			}
		}()
		return zero, ctx.Err()
	}
}
