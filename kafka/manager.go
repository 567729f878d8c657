package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"plcmonitor/config"
	"plcmonitor/logging"
	"plcmonitor/namespace"
	"plcmonitor/schema"
)

// SignalsMessage is the JSON value of one change batch. The message key
// is the device name.
type SignalsMessage struct {
	Namespace string          `json:"namespace"`
	Device    string          `json:"device"`
	Signals   []schema.Signal `json:"signals"`
	Timestamp string          `json:"timestamp"`
}

// HealthMessage is the JSON structure published for device health.
type HealthMessage struct {
	Namespace string `json:"namespace"`
	Device    string `json:"device"`
	Online    bool   `json:"online"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// publishJob represents a pending Kafka publish operation.
type publishJob struct {
	producer *Producer
	topic    string
	msg      kafka.Message
}

// MaxPublishWorkers is the maximum number of concurrent publish goroutines.
const MaxPublishWorkers = 4

// MaxPublishQueueSize is the maximum number of pending publish jobs.
const MaxPublishQueueSize = 1000

// Manager manages multiple Kafka producers and a bounded publish pool.
type Manager struct {
	producers map[string]*Producer
	namespace string
	mu        sync.RWMutex

	publishQueue chan publishJob
	wg           sync.WaitGroup
	stopChan     chan struct{}
	started      bool
	dropped      int64
}

// NewManager creates a new Kafka manager.
func NewManager() *Manager {
	return &Manager{
		producers:    make(map[string]*Producer),
		publishQueue: make(chan publishJob, MaxPublishQueueSize),
		stopChan:     make(chan struct{}),
	}
}

// Name identifies the sink in logs.
func (m *Manager) Name() string { return "kafka" }

// startWorkers starts the publish workers once.
func (m *Manager) startWorkers() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	queue, stop := m.publishQueue, m.stopChan
	m.mu.Unlock()

	for i := 0; i < MaxPublishWorkers; i++ {
		m.wg.Add(1)
		go m.publishWorker(queue, stop)
	}
}

func (m *Manager) publishWorker(queue <-chan publishJob, stop <-chan struct{}) {
	defer m.wg.Done()
	for {
		select {
		case <-stop:
			return
		case job := <-queue:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := job.producer.ProduceWithRetry(ctx, job.topic, job.msg); err != nil {
				logging.DebugError("kafka", fmt.Sprintf("publish %s/%s", job.producer.Name(), job.topic), err)
			}
			cancel()
		}
	}
}

// AddCluster adds a cluster. An existing cluster with the same name is kept.
func (m *Manager) AddCluster(cfg *Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.producers[cfg.Name]; exists {
		return
	}
	m.producers[cfg.Name] = NewProducer(cfg)
}

// RemoveCluster disconnects and removes a cluster.
func (m *Manager) RemoveCluster(name string) {
	m.mu.Lock()
	producer, exists := m.producers[name]
	delete(m.producers, name)
	m.mu.Unlock()
	if exists {
		producer.Disconnect()
	}
}

// GetProducer returns the producer for a cluster, or nil.
func (m *Manager) GetProducer(name string) *Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.producers[name]
}

// ListClusters returns cluster names sorted.
func (m *Manager) ListClusters() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.producers))
	for name := range m.producers {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)
	return names
}

// ClusterStats is the delivery state of one cluster.
type ClusterStats struct {
	Name      string
	Status    ConnectionStatus
	Sent      int64
	Errors    int64
	LastSend  time.Time
	LastError error
}

// Stats returns the state of every cluster, sorted by name.
func (m *Manager) Stats() []ClusterStats {
	var out []ClusterStats
	for _, name := range m.ListClusters() {
		p := m.GetProducer(name)
		if p == nil {
			continue
		}
		sent, errs, last := p.GetStats()
		out = append(out, ClusterStats{
			Name:      name,
			Status:    p.GetStatus(),
			Sent:      sent,
			Errors:    errs,
			LastSend:  last,
			LastError: p.GetError(),
		})
	}
	return out
}

func (m *Manager) producerList() []*Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Producer, 0, len(m.producers))
	for _, p := range m.producers {
		out = append(out, p)
	}
	return out
}

// LoadFromConfig adds a cluster for every persisted entry.
func (m *Manager) LoadFromConfig(cfgs []config.KafkaConfig, namespace string) {
	m.mu.Lock()
	m.namespace = namespace
	m.mu.Unlock()
	for i := range cfgs {
		m.AddCluster(FromConfig(&cfgs[i], namespace))
	}
}

// ConnectEnabled connects every enabled cluster and returns how many connected.
func (m *Manager) ConnectEnabled() int {
	connected := 0
	for _, p := range m.producerList() {
		if !p.config.Enabled {
			continue
		}
		if err := p.Connect(); err != nil {
			continue
		}
		connected++
	}
	if connected > 0 {
		m.startWorkers()
	}
	return connected
}

// StopAll stops the workers and disconnects every cluster.
func (m *Manager) StopAll() {
	m.mu.Lock()
	if m.started {
		close(m.stopChan)
		m.stopChan = make(chan struct{})
		m.publishQueue = make(chan publishJob, MaxPublishQueueSize)
		m.started = false
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		logging.DebugLog("kafka", "timeout waiting for publish workers to stop")
	}

	for _, p := range m.producerList() {
		p.Disconnect()
	}
}

// AnyRunning reports whether any cluster is connected.
func (m *Manager) AnyRunning() bool {
	for _, p := range m.producerList() {
		if p.GetStatus() == StatusConnected {
			return true
		}
	}
	return false
}

// enqueue queues a job, dropping it when the queue is full.
func (m *Manager) enqueue(job publishJob) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case m.publishQueue <- job:
		return true
	default:
		m.dropped++
		logging.DebugLog("kafka", "publish queue full, dropping message for %s", job.msg.Key)
		return false
	}
}

// Dropped returns how many messages were discarded on a full queue.
func (m *Manager) Dropped() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dropped
}

// PublishSignals queues one batch message per connected cluster.
func (m *Manager) PublishSignals(device string, signals []schema.Signal) {
	if len(signals) == 0 {
		return
	}
	m.mu.RLock()
	ns := m.namespace
	m.mu.RUnlock()

	value, err := json.Marshal(SignalsMessage{
		Namespace: ns,
		Device:    device,
		Signals:   signals,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return
	}
	m.publish(device, value, false)
}

// PublishHealth queues a health message to each cluster's health topic.
func (m *Manager) PublishHealth(device string, online bool, status, errMsg string) {
	m.mu.RLock()
	ns := m.namespace
	m.mu.RUnlock()

	value, err := json.Marshal(HealthMessage{
		Namespace: ns,
		Device:    device,
		Online:    online,
		Status:    status,
		Error:     errMsg,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	m.publish(device, value, true)
}

func (m *Manager) publish(device string, value []byte, health bool) {
	m.startWorkers()
	for _, p := range m.producerList() {
		if p.GetStatus() != StatusConnected || p.config.Topic == "" {
			continue
		}
		topic := p.config.Topic
		if health {
			topic = namespace.KafkaHealthTopic(topic)
		}
		m.enqueue(publishJob{
			producer: p,
			topic:    topic,
			msg:      kafka.Message{Key: []byte(device), Value: value, Time: time.Now()},
		})
	}
}
