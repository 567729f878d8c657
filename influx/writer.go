// Package influx records signal changes and device health as InfluxDB v2
// points, giving the monitor a queryable history.
package influx

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"plcmonitor/config"
	"plcmonitor/logging"
	"plcmonitor/schema"
)

// DefaultMeasurement receives signal points when none is configured.
const DefaultMeasurement = "signals"

// HealthMeasurement receives device health points.
const HealthMeasurement = "device_health"

// Writer writes points to one InfluxDB bucket through the non-blocking
// write API. Write failures arrive on the API's error channel and are
// logged and counted.
type Writer struct {
	config    *config.InfluxConfig
	namespace string

	client   influxdb2.Client
	writeAPI api.WriteAPI
	running  bool
	mu       sync.RWMutex

	errMu   sync.Mutex
	errs    int64
	lastErr error
	done    chan struct{}
}

// NewWriter creates a writer for cfg. Points are tagged with namespace.
func NewWriter(cfg *config.InfluxConfig, namespace string) *Writer {
	return &Writer{config: cfg, namespace: namespace}
}

// Name returns the writer's name.
func (w *Writer) Name() string { return w.config.Name }

func (w *Writer) measurement() string {
	if w.config.Measurement != "" {
		return w.config.Measurement
	}
	return DefaultMeasurement
}

// Start pings the server and opens the write API.
func (w *Writer) Start() error {
	w.mu.RLock()
	if w.running {
		w.mu.RUnlock()
		return nil
	}
	w.mu.RUnlock()

	opts := influxdb2.DefaultOptions()
	if w.config.BatchSize > 0 {
		opts.SetBatchSize(w.config.BatchSize)
	}
	if w.config.FlushInterval > 0 {
		opts.SetFlushInterval(uint(w.config.FlushInterval / time.Millisecond))
	}
	client := influxdb2.NewClientWithOptions(w.config.URL, w.config.Token, opts)
	logging.DebugConnect("influx", w.config.URL, fmt.Sprintf("org=%s bucket=%s", w.config.Org, w.config.Bucket))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ok, err := client.Ping(ctx)
	if err == nil && !ok {
		err = fmt.Errorf("server not ready")
	}
	if err != nil {
		client.Close()
		logging.DebugConnectError("influx", w.config.URL, err)
		return fmt.Errorf("influx %s: ping: %w", w.config.Name, err)
	}
	logging.DebugConnectSuccess("influx", w.config.URL, "")

	writeAPI := client.WriteAPI(w.config.Org, w.config.Bucket)
	done := make(chan struct{})
	go w.drainErrors(writeAPI.Errors(), done)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		client.Close()
		return nil
	}
	w.client = client
	w.writeAPI = writeAPI
	w.done = done
	w.running = true
	return nil
}

func (w *Writer) drainErrors(errs <-chan error, done chan struct{}) {
	for {
		select {
		case err, ok := <-errs:
			if !ok {
				return
			}
			w.errMu.Lock()
			w.errs++
			w.lastErr = err
			w.errMu.Unlock()
			logging.DebugError("influx", "write "+w.config.Name, err)
		case <-done:
			return
		}
	}
}

// Stop flushes pending points and closes the client.
func (w *Writer) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	client, writeAPI, done := w.client, w.writeAPI, w.done
	w.client, w.writeAPI = nil, nil
	w.mu.Unlock()

	writeAPI.Flush()
	client.Close()
	close(done)
	logging.DebugDisconnect("influx", w.config.URL, "stopped")
}

// IsRunning reports whether the writer is open.
func (w *Writer) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// Errors returns the number of failed writes and the last failure.
func (w *Writer) Errors() (int64, error) {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.errs, w.lastErr
}

// Flush forces pending points out.
func (w *Writer) Flush() {
	w.mu.RLock()
	writeAPI := w.writeAPI
	w.mu.RUnlock()
	if writeAPI != nil {
		writeAPI.Flush()
	}
}

// SignalFields converts signals to point fields. Word values are stored
// as integers, flags as booleans and derived choices as strings.
func SignalFields(signals []schema.Signal) map[string]interface{} {
	fields := make(map[string]interface{}, len(signals))
	for _, s := range signals {
		switch v := s.Value.(type) {
		case uint16:
			fields[s.Name] = int64(v)
		default:
			fields[s.Name] = v
		}
	}
	return fields
}

// WriteSignals queues one point holding every signal as a field.
func (w *Writer) WriteSignals(device string, signals []schema.Signal, ts time.Time) {
	if len(signals) == 0 {
		return
	}
	w.mu.RLock()
	writeAPI := w.writeAPI
	w.mu.RUnlock()
	if writeAPI == nil {
		return
	}
	tags := map[string]string{"device": device}
	if w.namespace != "" {
		tags["namespace"] = w.namespace
	}
	writeAPI.WritePoint(influxdb2.NewPoint(w.measurement(), tags, SignalFields(signals), ts))
}

// WriteHealth queues a device health point.
func (w *Writer) WriteHealth(device string, online bool, status, errMsg string, ts time.Time) {
	w.mu.RLock()
	writeAPI := w.writeAPI
	w.mu.RUnlock()
	if writeAPI == nil {
		return
	}
	fields := map[string]interface{}{"online": online, "status": status}
	if errMsg != "" {
		fields["error"] = errMsg
	}
	tags := map[string]string{"device": device}
	if w.namespace != "" {
		tags["namespace"] = w.namespace
	}
	writeAPI.WritePoint(influxdb2.NewPoint(HealthMeasurement, tags, fields, ts))
}

// Manager manages the configured writers.
type Manager struct {
	writers map[string]*Writer
	mu      sync.RWMutex
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{writers: make(map[string]*Writer)}
}

// Name identifies the sink in logs.
func (m *Manager) Name() string { return "influx" }

// LoadFromConfig adds a writer for every entry in cfgs.
func (m *Manager) LoadFromConfig(cfgs []config.InfluxConfig, namespace string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range cfgs {
		m.writers[cfgs[i].Name] = NewWriter(&cfgs[i], namespace)
	}
}

// Get returns a writer by name.
func (m *Manager) Get(name string) *Writer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writers[name]
}

// List returns all writers sorted by name.
func (m *Manager) List() []*Writer {
	m.mu.RLock()
	out := make([]*Writer, 0, len(m.writers))
	for _, w := range m.writers {
		out = append(out, w)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// StartAll starts every enabled writer and returns how many are running.
func (m *Manager) StartAll() int {
	started := 0
	for _, w := range m.List() {
		if !w.config.Enabled {
			continue
		}
		if err := w.Start(); err != nil {
			logging.DebugError("influx", "start "+w.Name(), err)
			continue
		}
		started++
	}
	return started
}

// StopAll flushes and closes every writer.
func (m *Manager) StopAll() {
	for _, w := range m.List() {
		w.Stop()
	}
}

// AnyRunning reports whether any writer is open.
func (m *Manager) AnyRunning() bool {
	for _, w := range m.List() {
		if w.IsRunning() {
			return true
		}
	}
	return false
}

// PublishSignals writes a signal point to every open writer.
func (m *Manager) PublishSignals(device string, signals []schema.Signal) {
	now := time.Now()
	for _, w := range m.List() {
		w.WriteSignals(device, signals, now)
	}
}

// PublishHealth writes a health point to every open writer.
func (m *Manager) PublishHealth(device string, online bool, status, errMsg string) {
	now := time.Now()
	for _, w := range m.List() {
		w.WriteHealth(device, online, status, errMsg, now)
	}
}
