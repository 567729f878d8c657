// Package metrics exposes acquisition counters and current signal values
// in Prometheus format.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"plcmonitor/kafka"
	"plcmonitor/plcman"
	"plcmonitor/schema"
)

const namespace = "plcmonitor"

// Metrics owns a private registry with the loop counters of every
// registered device and the last value of every numeric signal.
type Metrics struct {
	registry *prometheus.Registry

	signalValue *prometheus.GaugeVec
	signalState *prometheus.GaugeVec
	published   *prometheus.CounterVec

	mu         sync.Mutex
	lastStates map[string]string // device/signal -> current label value
}

// New registers the collectors. mgr may be nil, in which case no loop
// counters are exported.
func New(mgr *plcman.Manager) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		signalValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "signal_value",
			Help:      "Last decoded value of a word or flag signal (flags are 0 or 1).",
		}, []string{"device", "signal"}),
		signalState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "signal_state",
			Help:      "Current choice of a derived signal; the active value is 1.",
		}, []string{"device", "signal", "value"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signal_changes_total",
			Help:      "Signal changes detected per device.",
		}, []string{"device"}),
		lastStates: make(map[string]string),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.signalValue,
		m.signalState,
		m.published,
	)
	if mgr != nil {
		m.registry.MustRegister(&loopCollector{mgr: mgr})
	}
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveSignals records changed signals of a device.
func (m *Metrics) ObserveSignals(device string, signals []schema.Signal) {
	m.published.WithLabelValues(device).Add(float64(len(signals)))

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range signals {
		switch v := s.Value.(type) {
		case bool:
			val := 0.0
			if v {
				val = 1
			}
			m.signalValue.WithLabelValues(device, s.Name).Set(val)
		case uint16:
			m.signalValue.WithLabelValues(device, s.Name).Set(float64(v))
		case string:
			key := device + "/" + s.Name
			if prev, ok := m.lastStates[key]; ok && prev != v {
				m.signalState.DeleteLabelValues(device, s.Name, prev)
			}
			m.lastStates[key] = v
			m.signalState.WithLabelValues(device, s.Name, v).Set(1)
		}
	}
}

// Forget removes every series of a device.
func (m *Metrics) Forget(device string) {
	m.signalValue.DeletePartialMatch(prometheus.Labels{"device": device})
	m.signalState.DeletePartialMatch(prometheus.Labels{"device": device})
	m.published.DeleteLabelValues(device)

	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.lastStates {
		if len(key) > len(device) && key[:len(device)+1] == device+"/" {
			delete(m.lastStates, key)
		}
	}
}

var (
	readsDesc = prometheus.NewDesc(namespace+"_reads_total",
		"Successful data block reads.", []string{"device"}, nil)
	readErrorsDesc = prometheus.NewDesc(namespace+"_read_errors_total",
		"Failed data block reads.", []string{"device"}, nil)
	connectsDesc = prometheus.NewDesc(namespace+"_connects_total",
		"Sessions opened.", []string{"device"}, nil)
	connectFailuresDesc = prometheus.NewDesc(namespace+"_connect_failures_total",
		"Session open attempts that failed.", []string{"device"}, nil)
	upDesc = prometheus.NewDesc(namespace+"_device_up",
		"1 while the device is being polled.", []string{"device"}, nil)
	identityDesc = prometheus.NewDesc(namespace+"_device_identity",
		"Identity code reported by the device (-1 when unknown).", []string{"device"}, nil)
)

// loopCollector reads loop counters at scrape time.
type loopCollector struct {
	mgr *plcman.Manager
}

func (c *loopCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- readsDesc
	ch <- readErrorsDesc
	ch <- connectsDesc
	ch <- connectFailuresDesc
	ch <- upDesc
	ch <- identityDesc
}

func (c *loopCollector) Collect(ch chan<- prometheus.Metric) {
	for _, d := range c.mgr.List() {
		name := d.Device.Name
		st := d.Loop.Stats()
		ch <- prometheus.MustNewConstMetric(readsDesc, prometheus.CounterValue, float64(st.Reads), name)
		ch <- prometheus.MustNewConstMetric(readErrorsDesc, prometheus.CounterValue, float64(st.ReadErrors), name)
		ch <- prometheus.MustNewConstMetric(connectsDesc, prometheus.CounterValue, float64(st.Connects), name)
		ch <- prometheus.MustNewConstMetric(connectFailuresDesc, prometheus.CounterValue, float64(st.ConnectFailures), name)

		up := 0.0
		if d.Loop.State() == plcman.StatePolling {
			up = 1
		}
		ch <- prometheus.MustNewConstMetric(upDesc, prometheus.GaugeValue, up, name)
		ch <- prometheus.MustNewConstMetric(identityDesc, prometheus.GaugeValue, float64(d.Loop.Identity()), name)
	}
}

// KafkaSource reports Kafka delivery counters.
type KafkaSource interface {
	Stats() []kafka.ClusterStats
	Dropped() int64
}

// WatchKafka exports the delivery counters of src, read at scrape time.
func (m *Metrics) WatchKafka(src KafkaSource) {
	m.registry.MustRegister(&kafkaCollector{src: src})
}

var (
	kafkaSentDesc = prometheus.NewDesc(namespace+"_kafka_messages_sent_total",
		"Messages acknowledged by a Kafka cluster.", []string{"cluster"}, nil)
	kafkaErrorsDesc = prometheus.NewDesc(namespace+"_kafka_message_errors_total",
		"Messages a Kafka cluster failed to accept.", []string{"cluster"}, nil)
	kafkaUpDesc = prometheus.NewDesc(namespace+"_kafka_up",
		"1 while the cluster is connected.", []string{"cluster"}, nil)
	kafkaDroppedDesc = prometheus.NewDesc(namespace+"_kafka_dropped_total",
		"Messages discarded on a full publish queue.", nil, nil)
)

type kafkaCollector struct {
	src KafkaSource
}

func (c *kafkaCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- kafkaSentDesc
	ch <- kafkaErrorsDesc
	ch <- kafkaUpDesc
	ch <- kafkaDroppedDesc
}

func (c *kafkaCollector) Collect(ch chan<- prometheus.Metric) {
	for _, st := range c.src.Stats() {
		ch <- prometheus.MustNewConstMetric(kafkaSentDesc, prometheus.CounterValue, float64(st.Sent), st.Name)
		ch <- prometheus.MustNewConstMetric(kafkaErrorsDesc, prometheus.CounterValue, float64(st.Errors), st.Name)
		up := 0.0
		if st.Status == kafka.StatusConnected {
			up = 1
		}
		ch <- prometheus.MustNewConstMetric(kafkaUpDesc, prometheus.GaugeValue, up, st.Name)
	}
	ch <- prometheus.MustNewConstMetric(kafkaDroppedDesc, prometheus.CounterValue, float64(c.src.Dropped()))
}
