package plcman

import (
	"context"
	"sync"
	"testing"
	"time"

	"plcmonitor/driver"
)

// readFunc fills dst for the n-th read (1-based) of a session.
type readFunc func(n int, dst []byte) error

type fakeSession struct {
	code   driver.DeviceCode
	idErr  error
	read   readFunc
	block  bool // park ReadRegion until ctx is done
	limit  int  // park reads after the first limit ones
	mu     sync.Mutex
	reads  int
	closed bool
}

func (s *fakeSession) ReadRegion(ctx context.Context, block driver.DataBlock, dst []byte) error {
	if s.block {
		<-ctx.Done()
		return &driver.ReadError{Kind: driver.Timeout, Block: block, Err: ctx.Err()}
	}
	if err := ctx.Err(); err != nil {
		return &driver.ReadError{Kind: driver.Timeout, Block: block, Err: err}
	}
	s.mu.Lock()
	s.reads++
	n := s.reads
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return &driver.ReadError{Kind: driver.NotConnected, Block: block}
	}
	if s.limit > 0 && n > s.limit {
		<-ctx.Done()
		return &driver.ReadError{Kind: driver.Timeout, Block: block, Err: ctx.Err()}
	}
	if s.read != nil {
		return s.read(n, dst)
	}
	dst[0] = byte(n)
	return nil
}

func (s *fakeSession) Identity(ctx context.Context) (driver.DeviceCode, error) {
	if s.idErr != nil {
		return driver.UnknownDeviceCode, s.idErr
	}
	return s.code, nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeConnector struct {
	mu    sync.Mutex
	opens int
	open  func(n int) (driver.Session, error)
}

func (c *fakeConnector) Open(ctx context.Context, dev driver.Device) (driver.Session, error) {
	c.mu.Lock()
	c.opens++
	n := c.opens
	c.mu.Unlock()
	return c.open(n)
}

func (c *fakeConnector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens
}

func sessionConnector(s *fakeSession) *fakeConnector {
	return &fakeConnector{open: func(int) (driver.Session, error) { return s, nil }}
}

// recorder collects events delivered to an UpdateFunc.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) update(ev Event) {
	if ev.Data != nil {
		// Keep what the buffer held at delivery time.
		data := make([]byte, len(ev.Data))
		copy(data, ev.Data)
		ev.Data = data
	}
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// waitFor blocks until at least n events arrived.
func (r *recorder) waitFor(t *testing.T, n int) []Event {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if evs := r.snapshot(); len(evs) >= n {
			return evs
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, got %d", n, len(r.snapshot()))
	return nil
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

var (
	testDevice = driver.Device{Name: "tank", Address: "192.168.0.10", Rack: 0, Slot: 2}
	testBlock  = driver.DataBlock{Number: 1, Offset: 0, Amount: 24}
)

// newTestLoop returns a loop that snapshots each read, so recorded events
// keep their contents, and paces reads at 1ms.
func newTestLoop(c driver.Connector, opts ...Option) *Loop {
	base := []Option{WithSnapshotCopy(true), WithPollInterval(time.Millisecond)}
	return NewLoop(c, append(base, opts...)...)
}
