package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"plcmonitor/driver"
	"plcmonitor/kafka"
	"plcmonitor/plcman"
	"plcmonitor/schema"
)

func TestObserveSignals(t *testing.T) {
	m := New(nil)

	m.ObserveSignals("tank", []schema.Signal{
		{Name: "waterLevel", Value: uint16(512)},
		{Name: "valve1Open", Value: true},
		{Name: "manualMode", Value: false},
	})

	tests := []struct {
		signal string
		want   float64
	}{
		{"waterLevel", 512},
		{"valve1Open", 1},
		{"manualMode", 0},
	}
	for _, tt := range tests {
		got := testutil.ToFloat64(m.signalValue.WithLabelValues("tank", tt.signal))
		if got != tt.want {
			t.Errorf("%s = %v, want %v", tt.signal, got, tt.want)
		}
	}
	if got := testutil.ToFloat64(m.published.WithLabelValues("tank")); got != 3 {
		t.Errorf("signal_changes_total = %v, want 3", got)
	}
}

func TestObserveDerivedState(t *testing.T) {
	m := New(nil)

	m.ObserveSignals("line", []schema.Signal{{Name: "requestedQuantity", Value: "Request5"}})
	m.ObserveSignals("line", []schema.Signal{{Name: "requestedQuantity", Value: "Request10"}})

	if n := testutil.CollectAndCount(m.signalState); n != 1 {
		t.Fatalf("expected only the active choice, got %d series", n)
	}
	if got := testutil.ToFloat64(m.signalState.WithLabelValues("line", "requestedQuantity", "Request10")); got != 1 {
		t.Errorf("active choice = %v", got)
	}

	m.Forget("line")
	if n := testutil.CollectAndCount(m.signalState); n != 0 {
		t.Errorf("Forget left %d series", n)
	}
}

type idleConnector struct{}

func (idleConnector) Open(ctx context.Context, dev driver.Device) (driver.Session, error) {
	return nil, &driver.ConnectError{Kind: driver.Unreachable, Address: dev.Address}
}

func TestLoopCollector(t *testing.T) {
	mgr := plcman.NewManager()
	mgr.SetConnectorFactory(func(string) (driver.Connector, error) { return idleConnector{}, nil })
	if _, err := mgr.Add(driver.Device{Name: "tank"}, driver.DataBlock{Number: 1, Amount: 24}, "s7", "level-control"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	m := New(mgr)

	expected := `
# HELP plcmonitor_reads_total Successful data block reads.
# TYPE plcmonitor_reads_total counter
plcmonitor_reads_total{device="tank"} 0
# HELP plcmonitor_device_identity Identity code reported by the device (-1 when unknown).
# TYPE plcmonitor_device_identity gauge
plcmonitor_device_identity{device="tank"} -1
`
	err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"plcmonitor_reads_total", "plcmonitor_device_identity")
	if err != nil {
		t.Error(err)
	}
}

type kafkaStats struct {
	clusters []kafka.ClusterStats
	dropped  int64
}

func (k kafkaStats) Stats() []kafka.ClusterStats { return k.clusters }
func (k kafkaStats) Dropped() int64              { return k.dropped }

func TestKafkaCollector(t *testing.T) {
	m := New(nil)
	m.WatchKafka(kafkaStats{
		clusters: []kafka.ClusterStats{
			{Name: "main", Status: kafka.StatusConnected, Sent: 42, Errors: 1},
			{Name: "backup", Status: kafka.StatusError},
		},
		dropped: 3,
	})

	expected := `
# HELP plcmonitor_kafka_messages_sent_total Messages acknowledged by a Kafka cluster.
# TYPE plcmonitor_kafka_messages_sent_total counter
plcmonitor_kafka_messages_sent_total{cluster="backup"} 0
plcmonitor_kafka_messages_sent_total{cluster="main"} 42
# HELP plcmonitor_kafka_up 1 while the cluster is connected.
# TYPE plcmonitor_kafka_up gauge
plcmonitor_kafka_up{cluster="backup"} 0
plcmonitor_kafka_up{cluster="main"} 1
# HELP plcmonitor_kafka_dropped_total Messages discarded on a full publish queue.
# TYPE plcmonitor_kafka_dropped_total counter
plcmonitor_kafka_dropped_total 3
`
	err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"plcmonitor_kafka_messages_sent_total", "plcmonitor_kafka_up", "plcmonitor_kafka_dropped_total")
	if err != nil {
		t.Error(err)
	}
}

func TestHandler(t *testing.T) {
	m := New(nil)
	m.ObserveSignals("tank", []schema.Signal{{Name: "setPoint", Value: uint16(70)}})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	if !strings.Contains(string(body), `plcmonitor_signal_value{device="tank",signal="setPoint"} 70`) {
		t.Errorf("metrics output missing signal value:\n%s", body)
	}
}
