// Package valkey stores decoded device signals in Valkey/Redis keys and
// optionally announces changes on Pub/Sub channels.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"plcmonitor/config"
	"plcmonitor/logging"
	"plcmonitor/namespace"
	"plcmonitor/schema"
)

// SignalMessage is the value stored under a signal key.
type SignalMessage struct {
	Namespace string      `json:"namespace"`
	Device    string      `json:"device"`
	Signal    string      `json:"signal"`
	Value     interface{} `json:"value"`
	Timestamp time.Time   `json:"timestamp"`
}

// ChangeMessage is published on the device's changes channel, one per
// refresh that changed at least one signal.
type ChangeMessage struct {
	Namespace string          `json:"namespace"`
	Device    string          `json:"device"`
	Signals   []schema.Signal `json:"signals"`
	Timestamp time.Time       `json:"timestamp"`
}

// HealthMessage is the value stored under a device's health key.
type HealthMessage struct {
	Namespace string    `json:"namespace"`
	Device    string    `json:"device"`
	Online    bool      `json:"online"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher handles publishing to one Valkey server.
type Publisher struct {
	config    *config.ValkeyConfig
	namespace string
	client    *redis.Client
	running   bool
	mu        sync.RWMutex

	onConnectCallback func()
}

// NewPublisher creates a new Valkey publisher.
func NewPublisher(cfg *config.ValkeyConfig, namespace string) *Publisher {
	return &Publisher{config: cfg, namespace: namespace}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return p.config.Name
}

// Start connects to the Valkey server.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	opts := &redis.Options{
		Addr:         p.config.Address,
		Password:     p.config.Password,
		DB:           p.config.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if p.config.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	// Create client and test connection without holding the lock.
	client := redis.NewClient(opts)
	logging.DebugConnect("valkey", p.config.Address, fmt.Sprintf("db=%d tls=%v", p.config.Database, p.config.UseTLS))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logging.DebugConnectError("valkey", p.config.Address, err)
		client.Close()
		return fmt.Errorf("failed to connect to Valkey at %s: %w", p.config.Address, err)
	}
	logging.DebugConnectSuccess("valkey", p.config.Address, "")

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		client.Close()
		return nil
	}
	p.client = client
	p.running = true

	// Publish the current state once the server is reachable.
	if p.onConnectCallback != nil {
		go p.onConnectCallback()
	}
	return nil
}

// Stop disconnects from the Valkey server.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	client := p.client
	p.client = nil
	p.mu.Unlock()

	logging.DebugDisconnect("valkey", p.config.Address, "stopped")
	if client != nil {
		return client.Close()
	}
	return nil
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Config returns the publisher's configuration.
func (p *Publisher) Config() *config.ValkeyConfig {
	return p.config
}

// Address returns the server address.
func (p *Publisher) Address() string {
	scheme := "redis"
	if p.config.UseTLS {
		scheme = "rediss"
	}
	return fmt.Sprintf("%s://%s", scheme, p.config.Address)
}

// SetOnConnectCallback sets the callback invoked after connection is established.
func (p *Publisher) SetOnConnectCallback(callback func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onConnectCallback = callback
}

func (p *Publisher) names() *namespace.Builder {
	return namespace.New(p.namespace, p.config.Selector)
}

// SignalKey returns the key holding a signal's latest value.
func (p *Publisher) SignalKey(device, signal string) string {
	return p.names().ValkeySignalKey(device, signal)
}

// HealthKey returns the key holding a device's health.
func (p *Publisher) HealthKey(device string) string {
	return p.names().ValkeyHealthKey(device)
}

// ChangesChannel returns the Pub/Sub channel for a device's changes.
func (p *Publisher) ChangesChannel(device string) string {
	return p.names().ValkeyChangesChannel(device)
}

// PublishSignals stores every signal under its key in one pipeline and,
// with publish_changes, announces the batch on the changes channel.
func (p *Publisher) PublishSignals(device string, signals []schema.Signal) error {
	p.mu.RLock()
	if !p.running || p.client == nil {
		p.mu.RUnlock()
		return nil
	}
	client := p.client
	cfg := p.config
	p.mu.RUnlock()

	if len(signals) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	now := time.Now().UTC()
	pipe := client.Pipeline()
	for _, s := range signals {
		data, err := json.Marshal(SignalMessage{
			Namespace: p.namespace,
			Device:    device,
			Signal:    s.Name,
			Value:     s.Value,
			Timestamp: now,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal signal %s: %w", s.Name, err)
		}
		pipe.Set(ctx, p.SignalKey(device, s.Name), data, cfg.KeyTTL)
	}

	if cfg.PublishChanges {
		data, err := json.Marshal(ChangeMessage{
			Namespace: p.namespace,
			Device:    device,
			Signals:   signals,
			Timestamp: now,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal changes: %w", err)
		}
		pipe.Publish(ctx, p.ChangesChannel(device), data)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store signals: %w", err)
	}
	return nil
}

// PublishHealth stores the device health.
func (p *Publisher) PublishHealth(device string, online bool, status, errMsg string) error {
	p.mu.RLock()
	if !p.running || p.client == nil {
		p.mu.RUnlock()
		return nil
	}
	client := p.client
	cfg := p.config
	p.mu.RUnlock()

	data, err := json.Marshal(HealthMessage{
		Namespace: p.namespace,
		Device:    device,
		Online:    online,
		Status:    status,
		Error:     errMsg,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal health status: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := p.HealthKey(device)
	if err := client.Set(ctx, key, data, cfg.KeyTTL).Err(); err != nil {
		return fmt.Errorf("failed to set health key: %w", err)
	}
	if cfg.PublishChanges {
		client.Publish(ctx, key, data)
	}
	return nil
}
