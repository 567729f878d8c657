package plcman

import (
	"fmt"
	"sort"
	"sync"

	"plcmonitor/config"
	"plcmonitor/driver"
	"plcmonitor/logging"
)

// Managed is a registered device and its loop.
type Managed struct {
	Device   driver.Device
	Block    driver.DataBlock
	Protocol string
	Schema   string
	Loop     *Loop
}

// ConnectorFactory returns the connector for a protocol name.
type ConnectorFactory func(protocol string) (driver.Connector, error)

// Manager is the registry of acquisition loops, keyed by device name.
// Each registered device has exactly one Loop for the life of the entry.
type Manager struct {
	devices map[string]*Managed
	mu      sync.RWMutex

	opts       []Option
	connectors ConnectorFactory
	onLog      logging.LogFunc
}

// NewManager creates an empty registry. opts apply to every loop it creates.
// The read timeout also bounds the connect handshake and each transport
// request of the default connectors.
func NewManager(opts ...Option) *Manager {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	timeout := o.readTimeout
	return &Manager{
		devices: make(map[string]*Managed),
		opts:    opts,
		connectors: func(protocol string) (driver.Connector, error) {
			return driver.New(protocol, timeout)
		},
	}
}

// SetConnectorFactory replaces how connectors are created for new devices.
func (m *Manager) SetConnectorFactory(fn ConnectorFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectors = fn
}

// SetOnLog sets the callback for operational messages from all loops.
func (m *Manager) SetOnLog(fn logging.LogFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLog = fn
	for _, d := range m.devices {
		d.Loop.SetOnLog(fn)
	}
}

// Add registers a device. Names must be unique.
func (m *Manager) Add(dev driver.Device, block driver.DataBlock, protocol, schemaName string) (*Managed, error) {
	if dev.Name == "" {
		return nil, fmt.Errorf("device name is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.devices[dev.Name]; exists {
		return nil, fmt.Errorf("device %q already registered", dev.Name)
	}
	conn, err := m.connectors(protocol)
	if err != nil {
		return nil, fmt.Errorf("device %q: %w", dev.Name, err)
	}

	loop := NewLoop(conn, m.opts...)
	if m.onLog != nil {
		loop.SetOnLog(m.onLog)
	}
	d := &Managed{
		Device:   dev,
		Block:    block,
		Protocol: protocol,
		Schema:   schemaName,
		Loop:     loop,
	}
	m.devices[dev.Name] = d
	return d, nil
}

// Remove stops and unregisters the named device.
func (m *Manager) Remove(name string) error {
	m.mu.Lock()
	d, exists := m.devices[name]
	if exists {
		delete(m.devices, name)
	}
	m.mu.Unlock()

	if !exists {
		return fmt.Errorf("device %q not found", name)
	}
	d.Loop.Stop()
	return nil
}

// Get returns the named device, or nil.
func (m *Manager) Get(name string) *Managed {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.devices[name]
}

// List returns all registered devices sorted by name.
func (m *Manager) List() []*Managed {
	m.mu.RLock()
	out := make([]*Managed, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Device.Name < out[j].Device.Name })
	return out
}

// Start starts the named device's loop.
func (m *Manager) Start(name string, onUpdate UpdateFunc) error {
	d := m.Get(name)
	if d == nil {
		return fmt.Errorf("device %q not found", name)
	}
	return d.Loop.Start(d.Device, d.Block, onUpdate)
}

// Stop stops the named device's loop.
func (m *Manager) Stop(name string) error {
	d := m.Get(name)
	if d == nil {
		return fmt.Errorf("device %q not found", name)
	}
	d.Loop.Stop()
	return nil
}

// Toggle toggles the named device's loop.
func (m *Manager) Toggle(name string) error {
	d := m.Get(name)
	if d == nil {
		return fmt.Errorf("device %q not found", name)
	}
	return d.Loop.Toggle()
}

// StopAll stops every loop concurrently and waits for all of them.
func (m *Manager) StopAll() {
	var wg sync.WaitGroup
	for _, d := range m.List() {
		wg.Add(1)
		go func(l *Loop) {
			defer wg.Done()
			l.Stop()
		}(d.Loop)
	}
	wg.Wait()
}

// LoadFromConfig registers every device in cfg that is not already present.
func (m *Manager) LoadFromConfig(cfg *config.Config) error {
	for _, dc := range cfg.DeviceList() {
		if m.Get(dc.Name) != nil {
			continue
		}
		if _, err := m.Add(dc.Device(), dc.Block(), dc.GetProtocol(), dc.Schema); err != nil {
			return err
		}
	}
	return nil
}
