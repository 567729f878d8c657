package engine

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"plcmonitor/config"
	"plcmonitor/plcman"
	"plcmonitor/schema"
)

// deviceState holds the last evaluated signals of a device.
type deviceState struct {
	schema *schema.Schema

	mu      sync.Mutex
	last    map[string]interface{}
	signals []schema.Signal
	updated time.Time
}

// apply stores a new evaluation and returns the signals whose value differs
// from the previous one. Everything is new after reset.
func (s *deviceState) apply(signals []schema.Signal, at time.Time) []schema.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []schema.Signal
	for _, sig := range signals {
		if prev, ok := s.last[sig.Name]; !ok || prev != sig.Value {
			changed = append(changed, sig)
			s.last[sig.Name] = sig.Value
		}
	}
	s.signals = signals
	s.updated = at
	return changed
}

func (s *deviceState) reset() {
	s.mu.Lock()
	s.last = make(map[string]interface{})
	s.mu.Unlock()
}

func (s *deviceState) snapshot() ([]schema.Signal, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signals == nil {
		return nil, s.updated
	}
	out := make([]schema.Signal, len(s.signals))
	copy(out, s.signals)
	return out, s.updated
}

func (e *Engine) track(name, schemaName string) error {
	s, ok := schema.Lookup(schemaName)
	if !ok {
		return fmt.Errorf("%w: device %q: unknown schema %q", ErrInvalidInput, name, schemaName)
	}
	e.statesMu.Lock()
	e.states[name] = &deviceState{schema: s, last: make(map[string]interface{})}
	e.statesMu.Unlock()
	return nil
}

func (e *Engine) state(name string) *deviceState {
	e.statesMu.RLock()
	defer e.statesMu.RUnlock()
	return e.states[name]
}

func (e *Engine) managed(name string) (*plcman.Managed, error) {
	if e.plcMan == nil {
		return nil, ErrNotStarted
	}
	d := e.plcMan.Get(name)
	if d == nil {
		return nil, fmt.Errorf("%w: device %q", ErrNotFound, name)
	}
	return d, nil
}

// setEnabled persists the auto-start flag of a device.
func (e *Engine) setEnabled(name string, enabled bool) error {
	e.cfg.Lock()
	dc := e.cfg.FindDevice(name)
	if dc == nil || dc.Enabled == enabled {
		e.cfg.Unlock()
		return nil
	}
	dc.Enabled = enabled
	return e.saveConfig()
}

// StartDevice starts polling the named device and marks it enabled.
func (e *Engine) StartDevice(name string) error {
	d, err := e.managed(name)
	if err != nil {
		return err
	}
	if err := d.Loop.Start(d.Device, d.Block, e.onUpdate(name)); err != nil {
		return err
	}
	if err := e.setEnabled(name, true); err != nil {
		e.logFn("%s: %v", name, err)
	}
	e.emit(EventDeviceStarted, DeviceEvent{Name: name})
	return nil
}

// StopDevice stops polling the named device and marks it disabled.
func (e *Engine) StopDevice(name string) error {
	d, err := e.managed(name)
	if err != nil {
		return err
	}
	d.Loop.Stop()
	if err := e.setEnabled(name, false); err != nil {
		e.logFn("%s: %v", name, err)
	}
	e.emit(EventDeviceStopped, DeviceEvent{Name: name})
	e.publishHealth(name, false, plcman.StateStopped.String(), "")
	return nil
}

// ToggleDevice stops a polling device or starts an idle one, and reports
// whether it is running afterwards.
func (e *Engine) ToggleDevice(name string) (bool, error) {
	d, err := e.managed(name)
	if err != nil {
		return false, err
	}
	if d.Loop.IsRunning() {
		return false, e.StopDevice(name)
	}
	return true, e.StartDevice(name)
}

// StartEnabled starts every device whose registration is enabled and
// returns how many were started.
func (e *Engine) StartEnabled() int {
	started := 0
	for _, dc := range e.cfg.DeviceList() {
		if !dc.Enabled {
			continue
		}
		if err := e.StartDevice(dc.Name); err != nil {
			e.logFn("%s: start failed: %v", dc.Name, err)
			continue
		}
		started++
	}
	return started
}

// Signals returns the last evaluated signals of the named device. The
// result is nil until the first successful read.
func (e *Engine) Signals(name string) ([]schema.Signal, time.Time, error) {
	if _, err := e.managed(name); err != nil {
		return nil, time.Time{}, err
	}
	st := e.state(name)
	if st == nil {
		return nil, time.Time{}, fmt.Errorf("%w: device %q", ErrNotFound, name)
	}
	signals, at := st.snapshot()
	return signals, at, nil
}

// DeviceStatus is the externally visible state of one device.
type DeviceStatus struct {
	config.DeviceConfig

	State      string     `json:"state"`
	Connection string     `json:"connection"`
	Running    bool       `json:"running"`
	Identity   int        `json:"identity"`
	Reads      uint64     `json:"reads"`
	ReadErrors uint64     `json:"read_errors"`
	Connects   uint64     `json:"connects"`
	Failures   uint64     `json:"connect_failures"`
	LastRead   *time.Time `json:"last_read,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
}

func (e *Engine) status(d *plcman.Managed) DeviceStatus {
	var dc config.DeviceConfig
	e.cfg.Lock()
	if found := e.cfg.FindDevice(d.Device.Name); found != nil {
		dc = *found
	}
	e.cfg.Unlock()
	if dc.Name == "" {
		dc = config.DeviceConfig{
			Name:     d.Device.Name,
			Address:  d.Device.Address,
			Rack:     d.Device.Rack,
			Slot:     d.Device.Slot,
			Protocol: d.Protocol,
			Schema:   d.Schema,
			DataBlock: config.DataBlockConfig{
				Number: d.Block.Number,
				Offset: d.Block.Offset,
				Amount: d.Block.Amount,
			},
		}
	}

	state := d.Loop.State()
	stats := d.Loop.Stats()
	st := DeviceStatus{
		DeviceConfig: dc,
		State:        state.String(),
		Connection:   state.Label(),
		Running:      d.Loop.IsRunning(),
		Identity:     int(d.Loop.Identity()),
		Reads:        stats.Reads,
		ReadErrors:   stats.ReadErrors,
		Connects:     stats.Connects,
		Failures:     stats.ConnectFailures,
	}
	if !stats.LastRead.IsZero() {
		t := stats.LastRead
		st.LastRead = &t
	}
	if stats.LastError != nil {
		st.LastError = stats.LastError.Error()
	}
	return st
}

// DeviceStatus returns the state of the named device.
func (e *Engine) DeviceStatus(name string) (DeviceStatus, error) {
	d, err := e.managed(name)
	if err != nil {
		return DeviceStatus{}, err
	}
	return e.status(d), nil
}

// ListDevices returns the state of every registered device, sorted by name.
func (e *Engine) ListDevices() []DeviceStatus {
	if e.plcMan == nil {
		return nil
	}
	list := e.plcMan.List()
	out := make([]DeviceStatus, 0, len(list))
	for _, d := range list {
		out = append(out, e.status(d))
	}
	return out
}

// CreateDevice validates and persists a registration, then registers its
// loop. Enabled devices start immediately.
func (e *Engine) CreateDevice(dc config.DeviceConfig) error {
	if e.plcMan == nil {
		return ErrNotStarted
	}
	if dc.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}

	e.cfg.Lock()
	if e.cfg.FindDevice(dc.Name) != nil {
		e.cfg.Unlock()
		return fmt.Errorf("%w: device %q", ErrAlreadyExists, dc.Name)
	}
	if err := e.cfg.AddDevice(dc); err != nil {
		e.cfg.Unlock()
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := e.saveConfig(); err != nil {
		e.forget(dc.Name, false)
		return err
	}

	if _, err := e.plcMan.Add(dc.Device(), dc.Block(), dc.GetProtocol(), dc.Schema); err != nil {
		e.forget(dc.Name, true)
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := e.track(dc.Name, dc.Schema); err != nil {
		e.plcMan.Remove(dc.Name)
		e.forget(dc.Name, true)
		return err
	}
	e.emit(EventDeviceCreated, DeviceEvent{Name: dc.Name})

	if dc.Enabled {
		return e.StartDevice(dc.Name)
	}
	return nil
}

// forget drops a registration that could not be completed, saving the
// config again when the entry had already been written.
func (e *Engine) forget(name string, persisted bool) {
	e.cfg.Lock()
	if !e.cfg.RemoveDevice(name) || !persisted {
		e.cfg.Unlock()
		return
	}
	if err := e.saveConfig(); err != nil {
		e.logFn("%s: %v", name, err)
	}
}

// DeleteDevice stops and unregisters the named device.
func (e *Engine) DeleteDevice(name string) error {
	if _, err := e.managed(name); err != nil {
		return err
	}
	if err := e.plcMan.Remove(name); err != nil {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	e.statesMu.Lock()
	delete(e.states, name)
	e.statesMu.Unlock()
	e.metrics.Forget(name)

	e.cfg.Lock()
	if !e.cfg.RemoveDevice(name) {
		e.cfg.Unlock()
	} else if err := e.saveConfig(); err != nil {
		return err
	}

	e.emit(EventDeviceDeleted, DeviceEvent{Name: name})
	return nil
}

// UpdateDevice replaces the registration of the named device. Its loop is
// stopped and registered again with the new settings, then restarted when
// it was polling before or the new registration is enabled. A rename keeps
// the device's position in the config file.
func (e *Engine) UpdateDevice(name string, dc config.DeviceConfig) error {
	d, err := e.managed(name)
	if err != nil {
		return err
	}
	if dc.Name == "" {
		dc.Name = name
	}

	e.cfg.Lock()
	found := e.cfg.FindDevice(name)
	if found == nil {
		e.cfg.Unlock()
		return fmt.Errorf("%w: device %q", ErrNotFound, name)
	}
	old := *found
	if dc.Name != name && e.cfg.FindDevice(dc.Name) != nil {
		e.cfg.Unlock()
		return fmt.Errorf("%w: device %q", ErrAlreadyExists, dc.Name)
	}
	if err := e.cfg.UpdateDevice(name, dc); err != nil {
		e.cfg.Unlock()
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := e.saveConfig(); err != nil {
		e.cfg.Lock()
		if rerr := e.cfg.UpdateDevice(dc.Name, old); rerr != nil {
			e.logFn("%s: restore registration: %v", name, rerr)
		}
		e.cfg.Unlock()
		return err
	}

	running := d.Loop.IsRunning()
	if err := e.plcMan.Remove(name); err != nil {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	e.statesMu.Lock()
	delete(e.states, name)
	e.statesMu.Unlock()
	e.metrics.Forget(name)

	if _, err := e.plcMan.Add(dc.Device(), dc.Block(), dc.GetProtocol(), dc.Schema); err != nil {
		e.restore(dc.Name, old, running)
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := e.track(dc.Name, dc.Schema); err != nil {
		e.plcMan.Remove(dc.Name)
		e.restore(dc.Name, old, running)
		return err
	}
	if dc.Name != name {
		e.emit(EventDeviceDeleted, DeviceEvent{Name: name})
		e.emit(EventDeviceCreated, DeviceEvent{Name: dc.Name})
	} else {
		e.emit(EventDeviceUpdated, DeviceEvent{Name: name})
	}

	if running || dc.Enabled {
		return e.StartDevice(dc.Name)
	}
	return nil
}

// restore puts back a registration replaced by UpdateDevice after its new
// loop could not be registered.
func (e *Engine) restore(current string, old config.DeviceConfig, running bool) {
	e.cfg.Lock()
	if err := e.cfg.UpdateDevice(current, old); err != nil {
		e.cfg.Unlock()
		e.logFn("%s: restore registration: %v", old.Name, err)
	} else if err := e.saveConfig(); err != nil {
		e.logFn("%s: %v", old.Name, err)
	}

	if _, err := e.plcMan.Add(old.Device(), old.Block(), old.GetProtocol(), old.Schema); err != nil {
		e.logFn("%s: restore loop: %v", old.Name, err)
		return
	}
	if err := e.track(old.Name, old.Schema); err != nil {
		e.logFn("%s: %v", old.Name, err)
		return
	}
	if running {
		if err := e.StartDevice(old.Name); err != nil {
			e.logFn("%s: %v", old.Name, err)
		}
	}
}

// DeviceQuery filters ListDevices. Zero fields match everything; Rack and
// Slot only apply together with Address.
type DeviceQuery struct {
	Text    string
	Address string
	Rack    *int
	Slot    *int
}

// FindDevices returns the state of the devices matching q, sorted by name.
func (e *Engine) FindDevices(q DeviceQuery) []DeviceStatus {
	if e.plcMan == nil {
		return nil
	}

	e.cfg.Lock()
	var matched []config.DeviceConfig
	switch {
	case q.Address != "" && q.Rack != nil && q.Slot != nil:
		if dc := e.cfg.FindDeviceAt(q.Address, *q.Rack, *q.Slot); dc != nil {
			matched = []config.DeviceConfig{*dc}
		}
	case q.Address != "":
		matched = e.cfg.DevicesByAddress(q.Address)
	case q.Text != "":
		matched = e.cfg.SearchDevices(q.Text)
	default:
		matched = append(matched, e.cfg.Devices...)
	}
	e.cfg.Unlock()

	names := make(map[string]bool, len(matched))
	for _, dc := range matched {
		if q.Text != "" && q.Address != "" && !matchesText(dc, q.Text) {
			continue
		}
		if q.Address != "" && q.Rack != nil && q.Slot == nil && dc.Rack != *q.Rack {
			continue
		}
		if q.Address != "" && q.Slot != nil && q.Rack == nil && dc.Slot != *q.Slot {
			continue
		}
		names[dc.Name] = true
	}

	out := make([]DeviceStatus, 0, len(names))
	for _, d := range e.plcMan.List() {
		if names[d.Device.Name] {
			out = append(out, e.status(d))
		}
	}
	return out
}

func matchesText(dc config.DeviceConfig, text string) bool {
	needle := strings.ToLower(text)
	return strings.Contains(strings.ToLower(dc.Name), needle) ||
		strings.Contains(strings.ToLower(dc.Description), needle) ||
		strings.Contains(dc.Address, needle)
}
