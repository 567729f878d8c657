// Package plcman runs one acquisition loop per device: it opens a session,
// reads the configured data block back to back, and reports connect and
// refresh events to a subscriber on a dedicated dispatch goroutine.
package plcman

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"plcmonitor/driver"
	"plcmonitor/logging"
)

// ConnectionState is the lifecycle state of a Loop.
type ConnectionState int32

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StatePolling
	StateStopped
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StatePolling:
		return "Polling"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Label returns the connection text shown next to the start/stop control.
func (s ConnectionState) Label() string {
	if s == StatePolling {
		return "Connected"
	}
	return "Disconnected"
}

// EventKind distinguishes loop events.
type EventKind int

const (
	// EventConnected is sent once per opened session, carrying the identity code.
	EventConnected EventKind = iota
	// EventRefreshed is sent after every successful block read.
	EventRefreshed
	// EventConnectFailed is sent when the session cannot be opened. The loop
	// is stopped afterwards.
	EventConnectFailed
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventRefreshed:
		return "refreshed"
	case EventConnectFailed:
		return "connect_failed"
	default:
		return "unknown"
	}
}

// Event is delivered to the UpdateFunc passed to Start.
type Event struct {
	Kind   EventKind
	Device string
	Time   time.Time

	// Code is the identity code for EventConnected.
	Code driver.DeviceCode

	// Err is set for EventConnectFailed.
	Err error

	// Data is the buffer holding the block for EventRefreshed. In shared
	// mode it is the live buffer and may be overwritten by the next read;
	// with WithSnapshotCopy it is a private copy of this read.
	Data []byte
}

// UpdateFunc receives loop events in read-completion order. It runs on the
// loop's dispatch goroutine and must not call Stop or Toggle on the same
// loop synchronously.
type UpdateFunc func(Event)

// ErrNeverStarted is returned by Toggle before the first Start.
var ErrNeverStarted = errors.New("loop was never started")

// Stats counts loop activity since the Loop was created.
type Stats struct {
	Reads           uint64
	ReadErrors      uint64
	Connects        uint64
	ConnectFailures uint64
	LastRead        time.Time
	LastError       error
}

type options struct {
	pollInterval   time.Duration
	readTimeout    time.Duration
	reconnectDelay time.Duration
	snapshotCopy   bool
	queueSize      int
}

// Option configures a Loop.
type Option func(*options)

// WithPollInterval sets a minimum time between the starts of two reads.
// Zero reads back to back.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.pollInterval = d }
}

// WithReadTimeout bounds each ReadRegion call. Zero leaves the bound to
// the transport.
func WithReadTimeout(d time.Duration) Option {
	return func(o *options) { o.readTimeout = d }
}

// WithReconnectDelay sets the pause before a dropped session is reopened.
func WithReconnectDelay(d time.Duration) Option {
	return func(o *options) { o.reconnectDelay = d }
}

// WithSnapshotCopy publishes a fresh copy of the block after every read
// instead of exposing the single shared buffer.
func WithSnapshotCopy(on bool) Option {
	return func(o *options) { o.snapshotCopy = on }
}

// WithQueueSize sets how many undelivered events may queue before the
// loop waits for the subscriber.
func WithQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// Loop polls one device. The zero value is not usable; use NewLoop.
type Loop struct {
	connector driver.Connector
	opts      options
	logf      atomic.Pointer[logging.LogFunc]

	// ctrl serializes Start, Stop and Toggle. The loop body never takes it.
	ctrl    sync.Mutex
	current *run
	last    *startArgs

	running  atomic.Bool
	state    atomic.Int32
	buf      atomic.Pointer[[]byte]
	identity atomic.Int64

	reads           atomic.Uint64
	readErrors      atomic.Uint64
	connects        atomic.Uint64
	connectFailures atomic.Uint64
	lastRead        atomic.Int64
	errMu           sync.Mutex
	lastErr         error
}

type startArgs struct {
	dev      driver.Device
	block    driver.DataBlock
	onUpdate UpdateFunc
}

// run is one Start..Stop cycle.
type run struct {
	cancel  context.CancelFunc
	done    chan struct{}
	stopped atomic.Bool

	mu      sync.Mutex
	session driver.Session
}

// setSession installs s unless the run was already stopped, in which case
// it closes s and returns false.
func (r *run) setSession(s driver.Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped.Load() {
		s.Close()
		return false
	}
	r.session = s
	return true
}

func (r *run) closeSession() {
	r.mu.Lock()
	s := r.session
	r.session = nil
	r.mu.Unlock()
	if s != nil {
		s.Close()
	}
}

// NewLoop returns an idle loop that opens sessions through c.
func NewLoop(c driver.Connector, opts ...Option) *Loop {
	o := options{
		reconnectDelay: 2 * time.Second,
		queueSize:      64,
	}
	for _, opt := range opts {
		opt(&o)
	}
	l := &Loop{connector: c, opts: o}
	l.identity.Store(int64(driver.UnknownDeviceCode))
	return l
}

// SetOnLog sets the callback for operational messages.
func (l *Loop) SetOnLog(fn logging.LogFunc) {
	l.logf.Store(&fn)
}

func (l *Loop) log(format string, args ...interface{}) {
	if fn := l.logf.Load(); fn != nil && *fn != nil {
		(*fn)(format, args...)
	}
}

// Start opens dev and begins polling block, delivering events to onUpdate.
// It is a no-op while the loop is running.
func (l *Loop) Start(dev driver.Device, block driver.DataBlock, onUpdate UpdateFunc) error {
	if block.Amount <= 0 {
		return fmt.Errorf("data block amount must be positive, got %d", block.Amount)
	}
	if onUpdate == nil {
		onUpdate = func(Event) {}
	}

	l.ctrl.Lock()
	defer l.ctrl.Unlock()
	return l.startLocked(&startArgs{dev: dev, block: block, onUpdate: onUpdate})
}

func (l *Loop) startLocked(args *startArgs) error {
	if l.running.Load() {
		return nil
	}
	// A previous run that ended on its own (failed open) may still be
	// delivering its last event.
	if l.current != nil {
		<-l.current.done
		l.current = nil
	}

	buf := make([]byte, args.block.Amount)
	l.buf.Store(&buf)
	l.identity.Store(int64(driver.UnknownDeviceCode))

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{cancel: cancel, done: make(chan struct{})}
	l.current = r
	l.last = args

	events := make(chan Event, l.opts.queueSize)
	l.running.Store(true)
	l.state.Store(int32(StateConnecting))

	go l.dispatch(r, events, args.onUpdate)
	go l.acquire(ctx, r, events, args.dev, args.block, buf)
	return nil
}

// Stop cancels the loop, closes its session and waits until no further
// events can be delivered. It is safe to call at any time.
func (l *Loop) Stop() {
	l.ctrl.Lock()
	defer l.ctrl.Unlock()
	l.stopLocked()
}

func (l *Loop) stopLocked() {
	r := l.current
	if r == nil {
		return
	}
	l.current = nil

	r.stopped.Store(true)
	if l.running.CompareAndSwap(true, false) {
		l.state.Store(int32(StateStopped))
	}
	r.cancel()
	r.closeSession()
	<-r.done
}

// Toggle stops a running loop, or restarts a stopped one with the device,
// block and subscriber of the last Start.
func (l *Loop) Toggle() error {
	l.ctrl.Lock()
	defer l.ctrl.Unlock()

	if l.running.Load() {
		l.stopLocked()
		return nil
	}
	if l.last == nil {
		return ErrNeverStarted
	}
	return l.startLocked(l.last)
}

// IsRunning reports whether the loop is connecting or polling.
func (l *Loop) IsRunning() bool {
	return l.running.Load()
}

// State returns the current lifecycle state.
func (l *Loop) State() ConnectionState {
	return ConnectionState(l.state.Load())
}

// Buffer returns the most recent block contents, or nil before the first
// Start. Callers must not modify it.
func (l *Loop) Buffer() []byte {
	if p := l.buf.Load(); p != nil {
		return *p
	}
	return nil
}

// Identity returns the identity code of the current session.
func (l *Loop) Identity() driver.DeviceCode {
	return driver.DeviceCode(l.identity.Load())
}

// Stats returns a snapshot of the loop counters.
func (l *Loop) Stats() Stats {
	s := Stats{
		Reads:           l.reads.Load(),
		ReadErrors:      l.readErrors.Load(),
		Connects:        l.connects.Load(),
		ConnectFailures: l.connectFailures.Load(),
	}
	if ns := l.lastRead.Load(); ns != 0 {
		s.LastRead = time.Unix(0, ns)
	}
	l.errMu.Lock()
	s.LastError = l.lastErr
	l.errMu.Unlock()
	return s
}

func (l *Loop) setError(err error) {
	l.errMu.Lock()
	l.lastErr = err
	l.errMu.Unlock()
}

// dispatch delivers events in order until the acquisition goroutine closes
// the channel. Events queued after Stop are discarded.
func (l *Loop) dispatch(r *run, events <-chan Event, onUpdate UpdateFunc) {
	defer close(r.done)
	for ev := range events {
		if r.stopped.Load() {
			continue
		}
		onUpdate(ev)
	}
}

func (l *Loop) acquire(ctx context.Context, r *run, events chan<- Event, dev driver.Device, block driver.DataBlock, buf []byte) {
	defer close(events)
	defer r.closeSession()

	emit := func(ev Event) bool {
		ev.Device = dev.Name
		ev.Time = time.Now()
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	session, err := l.open(ctx, r, dev, emit)
	if err != nil {
		if ctx.Err() == nil && !r.stopped.Load() {
			l.log("Device %s: connect failed: %v", dev.Name, err)
			if l.running.CompareAndSwap(true, false) {
				l.state.Store(int32(StateStopped))
			}
			emit(Event{Kind: EventConnectFailed, Err: err})
		}
		return
	}

	for ctx.Err() == nil {
		started := time.Now()
		err := l.read(ctx, session, block, buf)

		switch {
		case err == nil:
			data := buf
			if l.opts.snapshotCopy {
				data = make([]byte, len(buf))
				copy(data, buf)
				l.buf.Store(&data)
			}
			if !emit(Event{Kind: EventRefreshed, Data: data}) {
				return
			}
		case ctx.Err() != nil:
			return
		default:
			l.readErrors.Add(1)
			l.setError(err)
			logging.DebugError("plcman", "read "+dev.Name, err)

			var re *driver.ReadError
			if errors.As(err, &re) && re.Kind == driver.NotConnected {
				l.log("Device %s: session lost (%v), reconnecting", dev.Name, err)
				if session = l.reconnect(ctx, r, dev, emit); session == nil {
					return
				}
				continue
			}
		}

		if l.opts.pollInterval > 0 {
			if !sleepCtx(ctx, l.opts.pollInterval-time.Since(started)) {
				return
			}
		}
	}
}

// open connects, queries the identity and emits EventConnected. It returns
// a context error when the run is cancelled part way.
func (l *Loop) open(ctx context.Context, r *run, dev driver.Device, emit func(Event) bool) (driver.Session, error) {
	session, err := l.connector.Open(ctx, dev)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		l.connectFailures.Add(1)
		l.setError(err)
		return nil, err
	}
	if !r.setSession(session) {
		return nil, context.Canceled
	}
	l.connects.Add(1)

	code, err := session.Identity(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logging.DebugError("plcman", "identity "+dev.Name, err)
		code = driver.UnknownDeviceCode
	}
	l.identity.Store(int64(code))
	l.state.Store(int32(StatePolling))
	l.log("Device %s: connected, identity %d", dev.Name, code)

	if !emit(Event{Kind: EventConnected, Code: code}) {
		return nil, context.Canceled
	}
	return session, nil
}

// reconnect replaces a dropped session, retrying every reconnectDelay
// until it succeeds or the run is cancelled.
func (l *Loop) reconnect(ctx context.Context, r *run, dev driver.Device, emit func(Event) bool) driver.Session {
	r.closeSession()
	l.state.Store(int32(StateConnecting))
	for {
		if !sleepCtx(ctx, l.opts.reconnectDelay) {
			return nil
		}
		session, err := l.open(ctx, r, dev, emit)
		if err == nil {
			return session
		}
		if ctx.Err() != nil {
			return nil
		}
		logging.DebugError("plcman", "reconnect "+dev.Name, err)
	}
}

func (l *Loop) read(ctx context.Context, session driver.Session, block driver.DataBlock, buf []byte) error {
	if l.opts.readTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.opts.readTimeout)
		defer cancel()
	}
	if err := session.ReadRegion(ctx, block, buf); err != nil {
		return err
	}
	l.reads.Add(1)
	l.lastRead.Store(time.Now().UnixNano())
	return nil
}

// sleepCtx waits for d or until ctx is done, reporting whether d elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
