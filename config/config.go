// Package config handles configuration persistence for plcmonitor: the
// device registrations, acquisition settings and republishing targets.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"plcmonitor/driver"
)

// ConfigListenerID is a unique identifier for a config change listener.
type ConfigListenerID string

// Config holds the complete application configuration.
type Config struct {
	Namespace string         `yaml:"namespace"` // instance namespace for topic/key isolation
	Devices   []DeviceConfig `yaml:"devices"`

	// Acquisition settings shared by every loop.
	PollInterval   time.Duration `yaml:"poll_interval"`   // 0 = read back to back
	ReadTimeout    time.Duration `yaml:"read_timeout"`    // per read and connect
	ReconnectDelay time.Duration `yaml:"reconnect_delay"` // pause before reopening a dropped session
	CopyOnRefresh  bool          `yaml:"copy_on_refresh"` // publish a private copy per read

	Web     WebConfig      `yaml:"web"`
	MQTT    []MQTTConfig   `yaml:"mqtt"`
	Valkey  []ValkeyConfig `yaml:"valkey,omitempty"`
	Kafka   []KafkaConfig  `yaml:"kafka,omitempty"`
	Influx  []InfluxConfig `yaml:"influx,omitempty"`
	Metrics MetricsConfig  `yaml:"metrics"`

	// Callers that modify config should Lock(), modify, then call UnlockAndSave().
	dataMu sync.Mutex `yaml:"-"`

	// Undo steps for environment overrides, applied to the saved copy.
	envRestores []func(*Config) `yaml:"-"`

	changeListeners map[ConfigListenerID]func() `yaml:"-"`
	listenersMu     sync.RWMutex                `yaml:"-"`
	listenerCounter uint64                      `yaml:"-"`
}

// DeviceConfig is the registration record of one monitored controller.
type DeviceConfig struct {
	Name        string          `yaml:"name" json:"name"`
	Description string          `yaml:"description,omitempty" json:"description,omitempty"`
	Address     string          `yaml:"address" json:"address"`
	Rack        int             `yaml:"rack" json:"rack"`
	Slot        int             `yaml:"slot" json:"slot"`
	Protocol    string          `yaml:"protocol,omitempty" json:"protocol,omitempty"` // s7 (default) or modbus
	Schema      string          `yaml:"schema" json:"schema"`
	DataBlock   DataBlockConfig `yaml:"data_block" json:"data_block"`
	Enabled     bool            `yaml:"enabled" json:"enabled"`
}

// DataBlockConfig is the persisted data-block descriptor.
type DataBlockConfig struct {
	Number int `yaml:"number" json:"number"`
	Offset int `yaml:"offset" json:"offset"`
	Amount int `yaml:"amount" json:"amount"`
}

// GetProtocol returns the protocol, defaulting to S7.
func (d *DeviceConfig) GetProtocol() string {
	if d.Protocol == "" {
		return driver.ProtocolS7
	}
	return d.Protocol
}

// Device converts the record to the connection-level device.
func (d *DeviceConfig) Device() driver.Device {
	return driver.Device{Name: d.Name, Address: d.Address, Rack: d.Rack, Slot: d.Slot}
}

// Block converts the record to the connection-level block descriptor.
func (d *DeviceConfig) Block() driver.DataBlock {
	return driver.DataBlock{Number: d.DataBlock.Number, Offset: d.DataBlock.Offset, Amount: d.DataBlock.Amount}
}

// WebConfig holds HTTP server configuration.
type WebConfig struct {
	Enabled bool         `yaml:"enabled"`
	Host    string       `yaml:"host"`
	Port    int          `yaml:"port"`
	API     WebAPIConfig `yaml:"api"`
}

// WebAPIConfig holds REST API settings.
type WebAPIConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MetricsConfig controls the Prometheus endpoint on the web server.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path,omitempty"` // default /metrics
}

// MQTTConfig holds MQTT publisher configuration.
type MQTTConfig struct {
	Name     string `yaml:"name"`
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	ClientID string `yaml:"client_id"`
	Selector string `yaml:"selector,omitempty"` // Optional sub-namespace
	UseTLS   bool   `yaml:"use_tls,omitempty"`
}

// ValkeyConfig holds Valkey/Redis publisher configuration.
type ValkeyConfig struct {
	Name           string        `yaml:"name"`
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"` // host:port format
	Password       string        `yaml:"password,omitempty"`
	Database       int           `yaml:"database"`
	Selector       string        `yaml:"selector,omitempty"`
	UseTLS         bool          `yaml:"use_tls,omitempty"`
	KeyTTL         time.Duration `yaml:"key_ttl,omitempty"`         // 0 = no expiry
	PublishChanges bool          `yaml:"publish_changes,omitempty"` // Pub/Sub on changes
}

// KafkaConfig holds Kafka cluster configuration.
type KafkaConfig struct {
	Name          string        `yaml:"name"`
	Enabled       bool          `yaml:"enabled"`
	Brokers       []string      `yaml:"brokers"`
	Topic         string        `yaml:"topic,omitempty"` // default <namespace>-signals
	UseTLS        bool          `yaml:"use_tls,omitempty"`
	TLSSkipVerify bool          `yaml:"tls_skip_verify,omitempty"`
	SASLMechanism string        `yaml:"sasl_mechanism,omitempty"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username      string        `yaml:"username,omitempty"`
	Password      string        `yaml:"password,omitempty"`
	RequiredAcks  int           `yaml:"required_acks,omitempty"` // -1=all, 0=none, 1=leader
	MaxRetries    int           `yaml:"max_retries,omitempty"`
	RetryBackoff  time.Duration `yaml:"retry_backoff,omitempty"`
	Selector      string        `yaml:"selector,omitempty"`
}

// InfluxConfig holds InfluxDB v2 history writer configuration.
type InfluxConfig struct {
	Name          string        `yaml:"name"`
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	Token         string        `yaml:"token,omitempty"`
	Org           string        `yaml:"org"`
	Bucket        string        `yaml:"bucket"`
	Measurement   string        `yaml:"measurement,omitempty"` // default "signals"
	BatchSize     uint          `yaml:"batch_size,omitempty"`
	FlushInterval time.Duration `yaml:"flush_interval,omitempty"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Namespace:      "plcmonitor",
		Devices:        []DeviceConfig{},
		ReadTimeout:    10 * time.Second,
		ReconnectDelay: 2 * time.Second,
		CopyOnRefresh:  true,
		Web: WebConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
			API:     WebAPIConfig{Enabled: true},
		},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
		MQTT:    []MQTTConfig{},
		Valkey:  []ValkeyConfig{},
		Kafka:   []KafkaConfig{},
		Influx:  []InfluxConfig{},
	}
}

// DefaultPath returns the default configuration file path (~/.plcmonitor/config.yaml).
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".plcmonitor", "config.yaml")
}

// Load reads configuration from a YAML file. A missing file yields the
// defaults, which are written back to path.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		cfg.Save(path) // Best-effort save
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// AddOnChangeListener registers a callback to be called when the config is saved.
// Returns an ID that can be used to remove the listener later.
func (c *Config) AddOnChangeListener(cb func()) ConfigListenerID {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	if c.changeListeners == nil {
		c.changeListeners = make(map[ConfigListenerID]func())
	}

	id := ConfigListenerID(fmt.Sprintf("listener-%d", atomic.AddUint64(&c.listenerCounter, 1)))
	c.changeListeners[id] = cb
	return id
}

// RemoveOnChangeListener removes a previously registered listener.
func (c *Config) RemoveOnChangeListener(id ConfigListenerID) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	delete(c.changeListeners, id)
}

func (c *Config) notifyChangeListeners() {
	c.listenersMu.RLock()
	listeners := make([]func(), 0, len(c.changeListeners))
	for _, cb := range c.changeListeners {
		listeners = append(listeners, cb)
	}
	c.listenersMu.RUnlock()

	for _, cb := range listeners {
		go cb()
	}
}

// Lock acquires the config data mutex for exclusive access.
func (c *Config) Lock() { c.dataMu.Lock() }

// Unlock releases the config data mutex without saving.
func (c *Config) Unlock() { c.dataMu.Unlock() }

// Save acquires the lock, marshals, writes, and notifies.
func (c *Config) Save(path string) error {
	c.dataMu.Lock()
	return c.saveLocked(path)
}

// UnlockAndSave marshals, releases the lock, writes, and notifies.
// The caller must already hold the lock via Lock().
func (c *Config) UnlockAndSave(path string) error {
	return c.saveLocked(path)
}

func (c *Config) saveLocked(path string) error {
	data, err := c.marshalFile()
	c.dataMu.Unlock()

	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return err
	}

	c.notifyChangeListeners()
	return nil
}

// marshalFile encodes the config as it belongs on disk, without values
// that came from the environment.
func (c *Config) marshalFile() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil || len(c.envRestores) == 0 {
		return data, err
	}
	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	for _, restore := range c.envRestores {
		restore(&file)
	}
	return yaml.Marshal(&file)
}

// DeviceList returns a copy of the device registrations.
func (c *Config) DeviceList() []DeviceConfig {
	c.dataMu.Lock()
	defer c.dataMu.Unlock()
	out := make([]DeviceConfig, len(c.Devices))
	copy(out, c.Devices)
	return out
}

// FindDevice returns the device with the given name, or nil if not found.
func (c *Config) FindDevice(name string) *DeviceConfig {
	for i := range c.Devices {
		if c.Devices[i].Name == name {
			return &c.Devices[i]
		}
	}
	return nil
}

// DevicesByAddress returns the devices registered at address (host part only).
func (c *Config) DevicesByAddress(address string) []DeviceConfig {
	host := hostPart(address)
	var out []DeviceConfig
	for _, d := range c.Devices {
		if hostPart(d.Address) == host {
			out = append(out, d)
		}
	}
	return out
}

// FindDeviceAt returns the device at address with the given rack and slot.
func (c *Config) FindDeviceAt(address string, rack, slot int) *DeviceConfig {
	host := hostPart(address)
	for i := range c.Devices {
		d := &c.Devices[i]
		if hostPart(d.Address) == host && d.Rack == rack && d.Slot == slot {
			return d
		}
	}
	return nil
}

// SearchDevices returns devices whose name, description or address
// contains substr, case-insensitively.
func (c *Config) SearchDevices(substr string) []DeviceConfig {
	needle := strings.ToLower(substr)
	var out []DeviceConfig
	for _, d := range c.Devices {
		if strings.Contains(strings.ToLower(d.Name), needle) ||
			strings.Contains(strings.ToLower(d.Description), needle) ||
			strings.Contains(d.Address, needle) {
			out = append(out, d)
		}
	}
	return out
}

// AddDevice validates and adds a device registration.
func (c *Config) AddDevice(dev DeviceConfig) error {
	if err := ValidateDevice(&dev); err != nil {
		return err
	}
	if c.FindDevice(dev.Name) != nil {
		return fmt.Errorf("%w: device %q already exists", ErrInvalidDevice, dev.Name)
	}
	c.Devices = append(c.Devices, dev)
	return nil
}

// RemoveDevice removes a device by name.
func (c *Config) RemoveDevice(name string) bool {
	for i, d := range c.Devices {
		if d.Name == name {
			c.Devices = append(c.Devices[:i], c.Devices[i+1:]...)
			return true
		}
	}
	return false
}

// UpdateDevice replaces the named device registration.
func (c *Config) UpdateDevice(name string, updated DeviceConfig) error {
	if err := ValidateDevice(&updated); err != nil {
		return err
	}
	for i, d := range c.Devices {
		if d.Name == name {
			if updated.Name != name && c.FindDevice(updated.Name) != nil {
				return fmt.Errorf("%w: device %q already exists", ErrInvalidDevice, updated.Name)
			}
			c.Devices[i] = updated
			return nil
		}
	}
	return fmt.Errorf("device %q not found", name)
}

// FindMQTT returns the MQTT config with the given name, or nil if not found.
func (c *Config) FindMQTT(name string) *MQTTConfig {
	for i := range c.MQTT {
		if c.MQTT[i].Name == name {
			return &c.MQTT[i]
		}
	}
	return nil
}

// FindValkey returns the Valkey config with the given name, or nil if not found.
func (c *Config) FindValkey(name string) *ValkeyConfig {
	for i := range c.Valkey {
		if c.Valkey[i].Name == name {
			return &c.Valkey[i]
		}
	}
	return nil
}

// FindKafka returns the Kafka config with the given name, or nil if not found.
func (c *Config) FindKafka(name string) *KafkaConfig {
	for i := range c.Kafka {
		if c.Kafka[i].Name == name {
			return &c.Kafka[i]
		}
	}
	return nil
}

// FindInflux returns the InfluxDB config with the given name, or nil if not found.
func (c *Config) FindInflux(name string) *InfluxConfig {
	for i := range c.Influx {
		if c.Influx[i].Name == name {
			return &c.Influx[i]
		}
	}
	return nil
}

func hostPart(address string) string {
	if host, _, err := net.SplitHostPort(address); err == nil {
		return host
	}
	return address
}
