package plcman

import (
	"errors"
	"testing"
	"time"

	"plcmonitor/config"
	"plcmonitor/driver"
)

func newTestManager() (*Manager, *fakeConnector) {
	conn := &fakeConnector{open: func(int) (driver.Session, error) {
		return &fakeSession{code: 315}, nil
	}}
	m := NewManager(WithSnapshotCopy(true))
	m.SetConnectorFactory(func(protocol string) (driver.Connector, error) {
		if protocol == "bogus" {
			return nil, errors.New("unknown protocol")
		}
		return conn, nil
	})
	return m, conn
}

func TestManagerRegistry(t *testing.T) {
	m, _ := newTestManager()

	if _, err := m.Add(driver.Device{Name: "tank"}, testBlock, "s7", "level-control"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if _, err := m.Add(driver.Device{Name: "line"}, testBlock, "", "dispensing"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	t.Run("duplicate", func(t *testing.T) {
		if _, err := m.Add(driver.Device{Name: "tank"}, testBlock, "s7", "level-control"); err == nil {
			t.Error("expected duplicate error")
		}
	})

	t.Run("missing name", func(t *testing.T) {
		if _, err := m.Add(driver.Device{}, testBlock, "s7", "level-control"); err == nil {
			t.Error("expected error for empty name")
		}
	})

	t.Run("connector error", func(t *testing.T) {
		if _, err := m.Add(driver.Device{Name: "x"}, testBlock, "bogus", "level-control"); err == nil {
			t.Error("expected connector error")
		}
		if m.Get("x") != nil {
			t.Error("failed Add left a registration")
		}
	})

	t.Run("List sorted", func(t *testing.T) {
		list := m.List()
		if len(list) != 2 || list[0].Device.Name != "line" || list[1].Device.Name != "tank" {
			t.Errorf("unexpected list %v", list)
		}
	})

	t.Run("unknown device", func(t *testing.T) {
		if err := m.Start("nope", nil); err == nil {
			t.Error("Start: expected error")
		}
		if err := m.Stop("nope"); err == nil {
			t.Error("Stop: expected error")
		}
		if err := m.Toggle("nope"); err == nil {
			t.Error("Toggle: expected error")
		}
		if err := m.Remove("nope"); err == nil {
			t.Error("Remove: expected error")
		}
	})

	t.Run("Remove", func(t *testing.T) {
		if err := m.Remove("line"); err != nil {
			t.Fatalf("Remove failed: %v", err)
		}
		if m.Get("line") != nil {
			t.Error("device still registered")
		}
	})
}

func TestManagerLifecycle(t *testing.T) {
	m, conn := newTestManager()
	d, err := m.Add(driver.Device{Name: "tank"}, testBlock, "s7", "level-control")
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	if err := m.Toggle("tank"); !errors.Is(err, ErrNeverStarted) {
		t.Errorf("Toggle before Start = %v, want ErrNeverStarted", err)
	}

	rec := &recorder{}
	if err := m.Start("tank", rec.update); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	rec.waitFor(t, 2)
	if !d.Loop.IsRunning() {
		t.Error("loop not running")
	}

	if err := m.Stop("tank"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if d.Loop.IsRunning() {
		t.Error("loop still running after Stop")
	}

	if err := m.Toggle("tank"); err != nil {
		t.Fatalf("Toggle failed: %v", err)
	}
	if !d.Loop.IsRunning() {
		t.Error("Toggle did not restart")
	}
	m.StopAll()
	if d.Loop.IsRunning() {
		t.Error("StopAll left the loop running")
	}
	if conn.count() != 2 {
		t.Errorf("Open called %d times, want 2", conn.count())
	}
}

func TestManagerLoadFromConfig(t *testing.T) {
	m, _ := newTestManager()
	cfg := config.DefaultConfig()
	cfg.Devices = []config.DeviceConfig{
		{Name: "tank", Address: "192.168.0.10", Slot: 2, Schema: "level-control",
			DataBlock: config.DataBlockConfig{Number: 1, Amount: 24}},
		{Name: "line", Address: "192.168.0.11", Slot: 2, Schema: "dispensing",
			DataBlock: config.DataBlockConfig{Number: 2, Offset: 4, Amount: 18}},
	}

	if err := m.LoadFromConfig(cfg); err != nil {
		t.Fatalf("LoadFromConfig failed: %v", err)
	}
	// Loading twice keeps the existing registrations.
	if err := m.LoadFromConfig(cfg); err != nil {
		t.Fatalf("second LoadFromConfig failed: %v", err)
	}

	line := m.Get("line")
	if line == nil {
		t.Fatal("line not registered")
	}
	if line.Block.Offset != 4 || line.Block.Amount != 18 || line.Schema != "dispensing" {
		t.Errorf("unexpected registration %+v", line)
	}
	if line.Device.Address != "192.168.0.11" {
		t.Errorf("unexpected address %q", line.Device.Address)
	}
	if len(m.List()) != 2 {
		t.Errorf("expected 2 devices, got %d", len(m.List()))
	}
}

func TestManagerConnectorTimeout(t *testing.T) {
	tests := []struct {
		protocol string
		opts     []Option
		want     time.Duration
	}{
		{driver.ProtocolS7, []Option{WithReadTimeout(3 * time.Second)}, 3 * time.Second},
		{driver.ProtocolModbus, []Option{WithReadTimeout(750 * time.Millisecond)}, 750 * time.Millisecond},
		{driver.ProtocolS7, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.protocol, func(t *testing.T) {
			conn, err := NewManager(tt.opts...).connectors(tt.protocol)
			if err != nil {
				t.Fatalf("connectors(%q): %v", tt.protocol, err)
			}
			var got time.Duration
			switch c := conn.(type) {
			case *driver.S7Connector:
				got = c.Timeout
			case *driver.ModbusConnector:
				got = c.Timeout
			default:
				t.Fatalf("unexpected connector %T", conn)
			}
			if got != tt.want {
				t.Errorf("timeout = %v, want %v", got, tt.want)
			}
		})
	}
}
