// Package mqtt republishes decoded device signals and device health to MQTT
// brokers as retained JSON messages.
package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"plcmonitor/config"
	"plcmonitor/logging"
	"plcmonitor/namespace"
	"plcmonitor/schema"
)

// SignalMessage is the JSON structure published for one signal.
type SignalMessage struct {
	Topic     string      `json:"topic"`
	Device    string      `json:"device"`
	Signal    string      `json:"signal"`
	Value     interface{} `json:"value"`
	Timestamp string      `json:"timestamp"`
}

// HealthMessage is the JSON structure published for device health.
type HealthMessage struct {
	Device    string `json:"device"`
	Online    bool   `json:"online"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Publisher handles the connection to a single broker.
type Publisher struct {
	config    *config.MQTTConfig
	namespace string
	client    pahomqtt.Client
	running   bool
	mu        sync.RWMutex
}

// NewPublisher creates a publisher for cfg. Topics are rooted at namespace.
func NewPublisher(cfg *config.MQTTConfig, namespace string) *Publisher {
	return &Publisher{config: cfg, namespace: namespace}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return p.config.Name
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Start connects to the broker.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	// Build options without holding the lock; Connect may block.
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.Address())
	if p.config.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	clientID := p.config.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("plcmonitor-%s-%d", p.config.Name, time.Now().UnixNano()%100000)
	}
	opts.SetClientID(clientID)
	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	client := pahomqtt.NewClient(opts)
	logging.DebugConnect("mqtt", p.Address(), "client_id="+clientID)

	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		err := fmt.Errorf("connection timeout")
		logging.DebugConnectError("mqtt", p.Address(), err)
		return err
	}
	if err := token.Error(); err != nil {
		logging.DebugConnectError("mqtt", p.Address(), err)
		return err
	}
	logging.DebugConnectSuccess("mqtt", p.Address(), "")

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		client.Disconnect(100)
		return nil
	}
	p.client = client
	p.running = true
	p.mu.Unlock()
	return nil
}

// Stop disconnects from the broker.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running || p.client == nil {
		p.mu.Unlock()
		return
	}
	p.running = false
	client := p.client
	p.client = nil
	p.mu.Unlock()

	// Disconnect outside the lock.
	client.Disconnect(500)
	logging.DebugDisconnect("mqtt", p.Address(), "stopped")
}

func (p *Publisher) names() *namespace.Builder {
	return namespace.New(p.namespace, p.config.Selector)
}

// BuildTopic constructs the full topic of a signal.
func (p *Publisher) BuildTopic(device, signal string) string {
	return p.names().MQTTSignalTopic(device, signal)
}

// HealthTopic returns the topic carrying a device's health.
func (p *Publisher) HealthTopic(device string) string {
	return p.names().MQTTHealthTopic(device)
}

// PublishSignals publishes one retained message per signal. It returns the
// number of messages the broker acknowledged.
func (p *Publisher) PublishSignals(device string, signals []schema.Signal) int {
	p.mu.RLock()
	running := p.running
	client := p.client
	p.mu.RUnlock()
	if !running || client == nil {
		return 0
	}

	ts := time.Now().UTC().Format(time.RFC3339)
	sent := 0
	for _, s := range signals {
		topic := p.BuildTopic(device, s.Name)
		payload, err := json.Marshal(SignalMessage{
			Topic:     p.names().MQTTBase(),
			Device:    device,
			Signal:    s.Name,
			Value:     s.Value,
			Timestamp: ts,
		})
		if err != nil {
			continue
		}
		if publish(client, topic, payload) {
			sent++
		}
	}
	return sent
}

// PublishHealth publishes a retained health message for device.
func (p *Publisher) PublishHealth(device string, online bool, status, errMsg string) bool {
	p.mu.RLock()
	running := p.running
	client := p.client
	p.mu.RUnlock()
	if !running || client == nil {
		return false
	}

	payload, err := json.Marshal(HealthMessage{
		Device:    device,
		Online:    online,
		Status:    status,
		Error:     errMsg,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return false
	}
	return publish(client, p.HealthTopic(device), payload)
}

func publish(client pahomqtt.Client, topic string, payload []byte) bool {
	token := client.Publish(topic, 1, true, payload)
	if !token.WaitTimeout(2 * time.Second) {
		logging.DebugLog("mqtt", "publish timeout on %s", topic)
		return false
	}
	if err := token.Error(); err != nil {
		logging.DebugError("mqtt", "publish "+topic, err)
		return false
	}
	return true
}

// Address returns the broker URL.
func (p *Publisher) Address() string {
	port := p.config.Port
	if port == 0 {
		port = 1883
		if p.config.UseTLS {
			port = 8883
		}
	}
	if p.config.UseTLS {
		return fmt.Sprintf("ssl://%s:%d", p.config.Broker, port)
	}
	return fmt.Sprintf("tcp://%s:%d", p.config.Broker, port)
}

// Config returns the publisher's configuration.
func (p *Publisher) Config() *config.MQTTConfig {
	return p.config
}

// Manager manages multiple MQTT publishers.
type Manager struct {
	publishers map[string]*Publisher
	mu         sync.RWMutex
}

// NewManager creates a new MQTT manager.
func NewManager() *Manager {
	return &Manager{publishers: make(map[string]*Publisher)}
}

// Name identifies the sink in logs.
func (m *Manager) Name() string { return "mqtt" }

// Add registers a publisher, replacing (and stopping) one with the same name.
func (m *Manager) Add(pub *Publisher) {
	m.mu.Lock()
	old := m.publishers[pub.Name()]
	m.publishers[pub.Name()] = pub
	m.mu.Unlock()

	if old != nil && old != pub {
		old.Stop()
	}
}

// Remove stops and removes a publisher.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	pub := m.publishers[name]
	delete(m.publishers, name)
	m.mu.Unlock()

	if pub != nil {
		pub.Stop()
	}
}

// Get returns a publisher by name.
func (m *Manager) Get(name string) *Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.publishers[name]
}

// List returns all publishers sorted by name.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	out := make([]*Publisher, 0, len(m.publishers))
	for _, p := range m.publishers {
		out = append(out, p)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// StartAll connects every enabled publisher and returns how many are running.
func (m *Manager) StartAll() int {
	started := 0
	for _, p := range m.List() {
		if !p.config.Enabled {
			continue
		}
		if err := p.Start(); err != nil {
			logging.DebugError("mqtt", "start "+p.Name(), err)
			continue
		}
		started++
	}
	return started
}

// StopAll disconnects every publisher.
func (m *Manager) StopAll() {
	for _, p := range m.List() {
		p.Stop()
	}
}

// PublishSignals publishes to every running publisher.
func (m *Manager) PublishSignals(device string, signals []schema.Signal) {
	for _, p := range m.List() {
		if p.IsRunning() {
			p.PublishSignals(device, signals)
		}
	}
}

// PublishHealth publishes device health to every running publisher.
func (m *Manager) PublishHealth(device string, online bool, status, errMsg string) {
	for _, p := range m.List() {
		if p.IsRunning() {
			p.PublishHealth(device, online, status, errMsg)
		}
	}
}

// AnyRunning reports whether any publisher is connected.
func (m *Manager) AnyRunning() bool {
	for _, p := range m.List() {
		if p.IsRunning() {
			return true
		}
	}
	return false
}

// LoadFromConfig creates a publisher for every entry in cfgs.
func (m *Manager) LoadFromConfig(cfgs []config.MQTTConfig, namespace string) {
	for i := range cfgs {
		m.Add(NewPublisher(&cfgs[i], namespace))
	}
}

