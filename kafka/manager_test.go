package kafka

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"plcmonitor/config"
	"plcmonitor/schema"
)

func TestFromConfig(t *testing.T) {
	tests := []struct {
		name  string
		in    config.KafkaConfig
		topic string
		acks  int
	}{
		{"defaults", config.KafkaConfig{Name: "k"}, "plant-signals", -1},
		{"selector", config.KafkaConfig{Name: "k", Selector: "line1"}, "plant-line1-signals", -1},
		{"explicit", config.KafkaConfig{Name: "k", Topic: "custom", RequiredAcks: 1}, "custom", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := FromConfig(&tt.in, "plant")
			if c.Topic != tt.topic {
				t.Errorf("Topic = %q, want %q", c.Topic, tt.topic)
			}
			if c.RequiredAcks != tt.acks {
				t.Errorf("RequiredAcks = %d, want %d", c.RequiredAcks, tt.acks)
			}
			if len(c.Brokers) == 0 {
				t.Error("expected default broker")
			}
		})
	}
}

func TestGetTLSConfig(t *testing.T) {
	c := DefaultConfig("k")
	if c.GetTLSConfig() != nil {
		t.Error("expected nil TLS config without TLS")
	}
	c.UseTLS = true
	c.TLSSkipVerify = true
	if tc := c.GetTLSConfig(); tc == nil || !tc.InsecureSkipVerify {
		t.Errorf("unexpected TLS config %+v", tc)
	}
}

func TestSASLMechanism(t *testing.T) {
	tests := []struct {
		mech    SASLMechanism
		user    string
		wantNil bool
		name    string
	}{
		{SASLPlain, "u", false, "PLAIN"},
		{SASLSCRAMSHA256, "u", false, "SCRAM-SHA-256"},
		{SASLSCRAMSHA512, "u", false, "SCRAM-SHA-512"},
		{SASLPlain, "", true, ""},
		{SASLNone, "u", true, ""},
	}
	for _, tt := range tests {
		c := DefaultConfig("k")
		c.SASLMechanism = tt.mech
		c.Username = tt.user
		c.Password = "p"
		m := NewProducer(&c).getSASLMechanism()
		if (m == nil) != tt.wantNil {
			t.Fatalf("%s/%q: mechanism nil = %v, want %v", tt.mech, tt.user, m == nil, tt.wantNil)
		}
		if m != nil && m.Name() != tt.name {
			t.Errorf("Name() = %q, want %q", m.Name(), tt.name)
		}
	}
}

func TestProducerNotConnected(t *testing.T) {
	c := DefaultConfig("k")
	p := NewProducer(&c)
	if p.GetStatus() != StatusDisconnected {
		t.Fatalf("status = %s", p.GetStatus())
	}
	err := p.Produce(context.Background(), "topic", kafka.Message{Value: []byte("x")})
	if err == nil {
		t.Error("expected error producing while disconnected")
	}
	if err := p.Produce(context.Background(), "topic"); err != nil {
		t.Errorf("empty produce should be a no-op: %v", err)
	}
	p.Disconnect()
}

func TestConnectionStatusString(t *testing.T) {
	for s, want := range map[ConnectionStatus]string{
		StatusDisconnected:  "Disconnected",
		StatusConnecting:    "Connecting",
		StatusConnected:     "Connected",
		StatusError:         "Error",
		ConnectionStatus(9): "Unknown",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}

func TestSignalsMessage(t *testing.T) {
	data, err := json.Marshal(SignalsMessage{
		Namespace: "plant",
		Device:    "line",
		Signals:   []schema.Signal{{Name: "pillsRequested", Value: true}},
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	for _, field := range []string{"namespace", "device", "signals", "timestamp"} {
		if _, ok := decoded[field]; !ok {
			t.Errorf("missing field %s", field)
		}
	}
}

func TestManager(t *testing.T) {
	m := NewManager()
	m.LoadFromConfig([]config.KafkaConfig{
		{Name: "b", Brokers: []string{"b:9092"}},
		{Name: "a", Brokers: []string{"a:9092"}},
	}, "plant")

	if got := m.ListClusters(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("ListClusters() = %v", got)
	}
	if m.GetProducer("a").config.Topic != "plant-signals" {
		t.Errorf("unexpected topic %q", m.GetProducer("a").config.Topic)
	}
	// Disabled clusters are not connected.
	if n := m.ConnectEnabled(); n != 0 {
		t.Errorf("ConnectEnabled connected %d", n)
	}
	if m.AnyRunning() {
		t.Error("AnyRunning with no connection")
	}

	// Nothing is connected, so nothing is queued.
	m.PublishSignals("line", []schema.Signal{{Name: "x", Value: 1}})
	m.PublishHealth("line", true, "Polling", "")
	if m.Dropped() != 0 {
		t.Errorf("Dropped() = %d", m.Dropped())
	}

	m.RemoveCluster("a")
	if m.GetProducer("a") != nil {
		t.Error("cluster not removed")
	}
	m.StopAll()
}

func TestManagerStats(t *testing.T) {
	m := NewManager()
	m.LoadFromConfig([]config.KafkaConfig{
		{Name: "idle", Brokers: []string{"idle:9092"}},
		{Name: "broken", Enabled: true},
	}, "plant")
	defer m.StopAll()

	if n := m.ConnectEnabled(); n != 0 {
		t.Fatalf("ConnectEnabled connected %d", n)
	}

	stats := m.Stats()
	if len(stats) != 2 || stats[0].Name != "broken" || stats[1].Name != "idle" {
		t.Fatalf("Stats() = %+v", stats)
	}
	if stats[0].Status != StatusError || stats[0].LastError == nil {
		t.Errorf("broken cluster = %+v", stats[0])
	}
	if stats[1].Status != StatusDisconnected || stats[1].LastError != nil {
		t.Errorf("idle cluster = %+v", stats[1])
	}
	if stats[1].Sent != 0 || stats[1].Errors != 0 || !stats[1].LastSend.IsZero() {
		t.Errorf("idle counters = %+v", stats[1])
	}
}
