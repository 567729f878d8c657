package valkey

import (
	"sync"

	"plcmonitor/config"
	"plcmonitor/logging"
	"plcmonitor/schema"
)

// Manager manages multiple Valkey publishers.
type Manager struct {
	publishers []*Publisher
	mu         sync.RWMutex

	onConnectCallback func()
}

// NewManager creates a new Valkey manager.
func NewManager() *Manager {
	return &Manager{publishers: make([]*Publisher, 0)}
}

// Name identifies the sink in logs.
func (m *Manager) Name() string { return "valkey" }

// LoadFromConfig loads publishers from configuration.
func (m *Manager) LoadFromConfig(configs []config.ValkeyConfig, namespace string) {
	for i := range configs {
		m.Add(&configs[i], namespace)
	}
}

// Add adds a new publisher.
func (m *Manager) Add(cfg *config.ValkeyConfig, namespace string) *Publisher {
	m.mu.Lock()
	defer m.mu.Unlock()

	pub := NewPublisher(cfg, namespace)
	pub.SetOnConnectCallback(m.onConnectCallback)
	m.publishers = append(m.publishers, pub)
	return pub
}

// Remove removes a publisher by name.
func (m *Manager) Remove(name string) bool {
	m.mu.Lock()
	var pubToStop *Publisher
	for i, pub := range m.publishers {
		if pub.config.Name == name {
			pubToStop = pub
			m.publishers = append(m.publishers[:i], m.publishers[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	// Stop outside the lock.
	if pubToStop != nil {
		pubToStop.Stop()
		return true
	}
	return false
}

// Get returns a publisher by name.
func (m *Manager) Get(name string) *Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, pub := range m.publishers {
		if pub.config.Name == name {
			return pub
		}
	}
	return nil
}

// List returns all publishers.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Publisher, len(m.publishers))
	copy(result, m.publishers)
	return result
}

// SetOnConnectCallback sets the callback for all publishers.
func (m *Manager) SetOnConnectCallback(callback func()) {
	m.mu.Lock()
	m.onConnectCallback = callback
	pubs := make([]*Publisher, len(m.publishers))
	copy(pubs, m.publishers)
	m.mu.Unlock()

	for _, pub := range pubs {
		pub.SetOnConnectCallback(callback)
	}
}

// StartAll starts every enabled publisher and returns how many are running.
func (m *Manager) StartAll() int {
	started := 0
	for _, pub := range m.List() {
		if !pub.config.Enabled {
			continue
		}
		if err := pub.Start(); err != nil {
			logging.DebugError("valkey", "start "+pub.Name(), err)
			continue
		}
		started++
	}
	return started
}

// StopAll stops all publishers.
func (m *Manager) StopAll() {
	for _, pub := range m.List() {
		pub.Stop()
	}
}

// AnyRunning returns true if any publisher is running.
func (m *Manager) AnyRunning() bool {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			return true
		}
	}
	return false
}

// PublishSignals stores signals on all running publishers.
func (m *Manager) PublishSignals(device string, signals []schema.Signal) {
	for _, pub := range m.List() {
		if !pub.IsRunning() {
			continue
		}
		if err := pub.PublishSignals(device, signals); err != nil {
			logging.DebugError("valkey", pub.Name(), err)
		}
	}
}

// PublishHealth stores device health on all running publishers.
func (m *Manager) PublishHealth(device string, online bool, status, errMsg string) {
	for _, pub := range m.List() {
		if !pub.IsRunning() {
			continue
		}
		if err := pub.PublishHealth(device, online, status, errMsg); err != nil {
			logging.DebugError("valkey", pub.Name(), err)
		}
	}
}
