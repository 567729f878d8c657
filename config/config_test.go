package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testDevice(name string) DeviceConfig {
	return DeviceConfig{
		Name:      name,
		Address:   "192.168.0.10",
		Rack:      0,
		Slot:      2,
		Schema:    "level-control",
		DataBlock: DataBlockConfig{Number: 1, Offset: 0, Amount: 24},
		Enabled:   true,
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Namespace != "plcmonitor" {
		t.Errorf("expected namespace plcmonitor, got %q", cfg.Namespace)
	}
	if cfg.PollInterval != 0 {
		t.Errorf("expected back-to-back polling by default, got %v", cfg.PollInterval)
	}
	if cfg.ReadTimeout != 10*time.Second {
		t.Errorf("expected 10s read timeout, got %v", cfg.ReadTimeout)
	}
	if !cfg.CopyOnRefresh {
		t.Error("expected copy_on_refresh enabled by default")
	}
	if cfg.Web.Port != 8080 || !cfg.Web.API.Enabled {
		t.Errorf("unexpected web defaults: %+v", cfg.Web)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("expected /metrics, got %q", cfg.Metrics.Path)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
}

func TestDeviceConversions(t *testing.T) {
	d := testDevice("tank")
	d.DataBlock = DataBlockConfig{Number: 7, Offset: 4, Amount: 30}

	dev := d.Device()
	if dev.Name != "tank" || dev.Address != "192.168.0.10" || dev.Rack != 0 || dev.Slot != 2 {
		t.Errorf("unexpected device %+v", dev)
	}
	block := d.Block()
	if block.Number != 7 || block.Offset != 4 || block.Amount != 30 {
		t.Errorf("unexpected block %+v", block)
	}
	if d.GetProtocol() != "s7" {
		t.Errorf("expected s7 default protocol, got %q", d.GetProtocol())
	}
}

func TestLoadAndSave(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("returns default for nonexistent file", func(t *testing.T) {
		path := filepath.Join(tmpDir, "missing.yaml")
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.ReadTimeout != 10*time.Second {
			t.Error("expected default config")
		}
		if _, err := os.Stat(path); err != nil {
			t.Errorf("expected defaults to be written: %v", err)
		}
	})

	t.Run("save and load roundtrip", func(t *testing.T) {
		path := filepath.Join(tmpDir, "test.yaml")

		cfg := DefaultConfig()
		cfg.PollInterval = 500 * time.Millisecond
		cfg.Devices = []DeviceConfig{testDevice("tank")}
		cfg.MQTT = []MQTTConfig{{Name: "local", Broker: "mqtt.local", Port: 1883}}
		cfg.Influx = []InfluxConfig{{Name: "hist", URL: "http://localhost:8086", Org: "o", Bucket: "b"}}

		if err := cfg.Save(path); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		loaded, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}

		if loaded.PollInterval != 500*time.Millisecond {
			t.Errorf("expected 500ms poll interval, got %v", loaded.PollInterval)
		}
		if len(loaded.Devices) != 1 || loaded.Devices[0].DataBlock.Amount != 24 {
			t.Errorf("device config not preserved: %+v", loaded.Devices)
		}
		if len(loaded.MQTT) != 1 || loaded.MQTT[0].Broker != "mqtt.local" {
			t.Error("MQTT config not preserved")
		}
		if len(loaded.Influx) != 1 || loaded.Influx[0].Bucket != "b" {
			t.Error("Influx config not preserved")
		}
	})

	t.Run("creates directory if needed", func(t *testing.T) {
		path := filepath.Join(tmpDir, "subdir", "nested", "config.yaml")
		if err := DefaultConfig().Save(path); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			t.Error("config file was not created")
		}
	})

	t.Run("returns error for invalid yaml", func(t *testing.T) {
		path := filepath.Join(tmpDir, "invalid.yaml")
		os.WriteFile(path, []byte("invalid: yaml: content: ["), 0644)

		if _, err := Load(path); err == nil {
			t.Error("expected error for invalid YAML")
		}
	})

	t.Run("rejects invalid device on load", func(t *testing.T) {
		path := filepath.Join(tmpDir, "baddev.yaml")
		data := "devices:\n  - name: tank\n    address: not-an-ip\n    schema: level-control\n    data_block: {number: 1, offset: 0, amount: 24}\n"
		os.WriteFile(path, []byte(data), 0644)

		_, err := Load(path)
		if !errors.Is(err, ErrInvalidDevice) {
			t.Errorf("expected ErrInvalidDevice, got %v", err)
		}
	})
}

func TestChangeListeners(t *testing.T) {
	cfg := DefaultConfig()
	called := make(chan struct{}, 1)
	id := cfg.AddOnChangeListener(func() { called <- struct{}{} })

	if err := cfg.Save(filepath.Join(t.TempDir(), "c.yaml")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("listener not called")
	}

	cfg.RemoveOnChangeListener(id)
	cfg.Lock()
	cfg.Namespace = "other"
	if err := cfg.UnlockAndSave(filepath.Join(t.TempDir(), "c.yaml")); err != nil {
		t.Fatalf("UnlockAndSave failed: %v", err)
	}
	select {
	case <-called:
		t.Error("removed listener was called")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDeviceOperations(t *testing.T) {
	cfg := DefaultConfig()

	t.Run("AddDevice and FindDevice", func(t *testing.T) {
		if err := cfg.AddDevice(testDevice("tank")); err != nil {
			t.Fatalf("AddDevice failed: %v", err)
		}
		found := cfg.FindDevice("tank")
		if found == nil {
			t.Fatal("FindDevice returned nil")
		}
		if found.Address != "192.168.0.10" {
			t.Errorf("expected address 192.168.0.10, got %s", found.Address)
		}
	})

	t.Run("AddDevice rejects duplicates", func(t *testing.T) {
		if err := cfg.AddDevice(testDevice("tank")); !errors.Is(err, ErrInvalidDevice) {
			t.Errorf("expected ErrInvalidDevice, got %v", err)
		}
	})

	t.Run("FindDevice returns nil for nonexistent", func(t *testing.T) {
		if cfg.FindDevice("nonexistent") != nil {
			t.Error("expected nil for nonexistent device")
		}
	})

	t.Run("UpdateDevice", func(t *testing.T) {
		updated := testDevice("tank")
		updated.Address = "192.168.0.11"
		if err := cfg.UpdateDevice("tank", updated); err != nil {
			t.Fatalf("UpdateDevice failed: %v", err)
		}
		if cfg.FindDevice("tank").Address != "192.168.0.11" {
			t.Error("device not updated")
		}
	})

	t.Run("UpdateDevice errors for nonexistent", func(t *testing.T) {
		if err := cfg.UpdateDevice("nonexistent", testDevice("nonexistent")); err == nil {
			t.Error("expected error for nonexistent device")
		}
	})

	t.Run("queries", func(t *testing.T) {
		line := testDevice("line-2")
		line.Description = "Bottling line"
		line.Address = "192.168.0.11:102"
		line.Slot = 1
		line.Schema = "dispensing"
		line.DataBlock.Amount = 18
		if err := cfg.AddDevice(line); err != nil {
			t.Fatalf("AddDevice failed: %v", err)
		}

		if got := cfg.DevicesByAddress("192.168.0.11"); len(got) != 2 {
			t.Errorf("DevicesByAddress: expected 2, got %d", len(got))
		}
		if d := cfg.FindDeviceAt("192.168.0.11", 0, 1); d == nil || d.Name != "line-2" {
			t.Errorf("FindDeviceAt: got %+v", d)
		}
		if d := cfg.FindDeviceAt("192.168.0.11", 0, 5); d != nil {
			t.Errorf("FindDeviceAt: expected nil, got %+v", d)
		}
		if got := cfg.SearchDevices("BOTTLING"); len(got) != 1 || got[0].Name != "line-2" {
			t.Errorf("SearchDevices: got %+v", got)
		}
		if got := cfg.DeviceList(); len(got) != 2 {
			t.Errorf("DeviceList: expected 2, got %d", len(got))
		}
	})

	t.Run("RemoveDevice", func(t *testing.T) {
		if !cfg.RemoveDevice("tank") {
			t.Error("RemoveDevice returned false")
		}
		if cfg.FindDevice("tank") != nil {
			t.Error("device not removed")
		}
		if cfg.RemoveDevice("tank") {
			t.Error("expected false for already removed device")
		}
	})
}

func TestValidateDevice(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(d *DeviceConfig)
		wantErr bool
	}{
		{"valid", func(d *DeviceConfig) {}, false},
		{"valid with port", func(d *DeviceConfig) { d.Address = "10.0.0.1:102" }, false},
		{"empty name", func(d *DeviceConfig) { d.Name = "" }, true},
		{"name with space", func(d *DeviceConfig) { d.Name = "tank 1" }, true},
		{"hostname", func(d *DeviceConfig) { d.Address = "plc.local" }, true},
		{"ipv6", func(d *DeviceConfig) { d.Address = "::1" }, true},
		{"bad octet", func(d *DeviceConfig) { d.Address = "192.168.0.300" }, true},
		{"bad port", func(d *DeviceConfig) { d.Address = "10.0.0.1:0" }, true},
		{"negative rack", func(d *DeviceConfig) { d.Rack = -1 }, true},
		{"slot too high", func(d *DeviceConfig) { d.Slot = 32 }, true},
		{"zero amount", func(d *DeviceConfig) { d.DataBlock.Amount = 0 }, true},
		{"block too small for schema", func(d *DeviceConfig) { d.DataBlock.Amount = 20 }, true},
		{"unknown schema", func(d *DeviceConfig) { d.Schema = "boiler" }, true},
		{"unknown protocol", func(d *DeviceConfig) { d.Protocol = "fins" }, true},
		{"modbus holding registers", func(d *DeviceConfig) {
			d.Protocol = "modbus"
			d.Slot = 17
			d.DataBlock.Number = 3
		}, false},
		{"modbus odd amount", func(d *DeviceConfig) {
			d.Protocol = "modbus"
			d.DataBlock.Number = 3
			d.DataBlock.Amount = 25
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := testDevice("tank")
			tt.mutate(&d)
			err := ValidateDevice(&d)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateDevice() err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidDevice) {
				t.Errorf("expected ErrInvalidDevice, got %v", err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Run("duplicate names", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Devices = []DeviceConfig{testDevice("tank"), testDevice("tank")}
		if err := cfg.Validate(); err == nil {
			t.Error("expected duplicate name error")
		}
	})

	t.Run("enabled sink without target", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Kafka = []KafkaConfig{{Name: "k", Enabled: true}}
		if err := cfg.Validate(); err == nil {
			t.Error("expected kafka broker error")
		}
	})

	t.Run("disabled sink without target", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Influx = []InfluxConfig{{Name: "i"}}
		if err := cfg.Validate(); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("duplicate sink names", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.MQTT = []MQTTConfig{{Name: "m", Broker: "a"}, {Name: "m", Broker: "b"}}
		if err := cfg.Validate(); err == nil {
			t.Error("expected duplicate mqtt name error")
		}
	})

	t.Run("unnamed sink", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Valkey = []ValkeyConfig{{Address: "localhost:6379"}}
		if err := cfg.Validate(); err == nil {
			t.Error("expected missing name error")
		}
	})

	t.Run("bad namespace", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Namespace = "a/b"
		if err := cfg.Validate(); err == nil {
			t.Error("expected namespace error")
		}
	})
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("PLCMONITOR_READ_TIMEOUT", "3s")
	t.Setenv("PLCMONITOR_COPY_ON_REFRESH", "false")
	t.Setenv("PLCMONITOR_MQTT_PASSWORD", "secret")
	t.Setenv("PLCMONITOR_INFLUX_URL", "http://influx:8086")
	t.Setenv("PLCMONITOR_INFLUX_TOKEN", "tok")
	t.Setenv("PLCMONITOR_INFLUX_ORG", "plant")
	t.Setenv("PLCMONITOR_INFLUX_BUCKET", "signals")

	cfg := DefaultConfig()
	cfg.MQTT = []MQTTConfig{{Name: "m", Broker: "b", Username: "keep"}}
	if err := ApplyEnv(cfg); err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}

	if cfg.ReadTimeout != 3*time.Second {
		t.Errorf("expected 3s, got %v", cfg.ReadTimeout)
	}
	if cfg.CopyOnRefresh {
		t.Error("expected copy_on_refresh disabled")
	}
	if cfg.MQTT[0].Password != "secret" || cfg.MQTT[0].Username != "keep" {
		t.Errorf("unexpected mqtt credentials: %+v", cfg.MQTT[0])
	}
	if len(cfg.Influx) != 1 || cfg.Influx[0].Token != "tok" || cfg.Influx[0].Bucket != "signals" {
		t.Errorf("unexpected influx config: %+v", cfg.Influx)
	}

	t.Run("bad duration", func(t *testing.T) {
		t.Setenv("PLCMONITOR_POLL_INTERVAL", "fast")
		if err := ApplyEnv(DefaultConfig()); err == nil {
			t.Error("expected parse error")
		}
	})
}

func TestApplyEnvNotSaved(t *testing.T) {
	t.Setenv("PLCMONITOR_NAMESPACE", "from-env")
	t.Setenv("PLCMONITOR_MQTT_PASSWORD", "mqtt-secret")
	t.Setenv("PLCMONITOR_KAFKA_PASSWORD", "kafka-secret")
	t.Setenv("PLCMONITOR_VALKEY_PASSWORD", "valkey-secret")
	t.Setenv("PLCMONITOR_INFLUX_URL", "http://influx:8086")
	t.Setenv("PLCMONITOR_INFLUX_TOKEN", "s3cret-token")

	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.Namespace = "plant"
	cfg.MQTT = []MQTTConfig{{Name: "m", Broker: "b", Password: "file-pass"}}
	cfg.Kafka = []KafkaConfig{{Name: "k", Brokers: []string{"k:9092"}}}
	cfg.Valkey = []ValkeyConfig{{Name: "v", Address: "v:6379"}}
	if err := ApplyEnv(cfg); err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}

	// A later edit is saved; the overrides are not.
	cfg.Lock()
	cfg.Devices = append(cfg.Devices, testDevice("tank"))
	if err := cfg.UnlockAndSave(path); err != nil {
		t.Fatalf("UnlockAndSave failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, secret := range []string{"mqtt-secret", "kafka-secret", "valkey-secret", "s3cret-token", "from-env"} {
		if strings.Contains(string(data), secret) {
			t.Errorf("saved config contains %q", secret)
		}
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Namespace != "plant" {
		t.Errorf("namespace = %q, want plant", loaded.Namespace)
	}
	if m := loaded.FindMQTT("m"); m == nil || m.Password != "file-pass" {
		t.Errorf("mqtt = %+v, want file password", m)
	}
	if k := loaded.FindKafka("k"); k == nil || k.Password != "" {
		t.Errorf("kafka = %+v", k)
	}
	if v := loaded.FindValkey("v"); v == nil || v.Password != "" {
		t.Errorf("valkey = %+v", v)
	}
	if loaded.FindInflux(EnvInfluxName) != nil {
		t.Error("environment influx writer was saved")
	}
	if loaded.FindDevice("tank") == nil {
		t.Error("device edit was not saved")
	}

	// The running config keeps the overrides.
	if cfg.Namespace != "from-env" || cfg.FindMQTT("m").Password != "mqtt-secret" {
		t.Errorf("running config lost overrides: ns=%q", cfg.Namespace)
	}
	if in := cfg.FindInflux(EnvInfluxName); in == nil || in.Token != "s3cret-token" {
		t.Errorf("running influx = %+v", in)
	}
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()

	if err := LoadEnv(filepath.Join(dir, "missing.env")); err != nil {
		t.Errorf("missing file should not error: %v", err)
	}

	path := filepath.Join(dir, ".env")
	os.WriteFile(path, []byte("PLCMONITOR_TEST_LOADENV=yes\n"), 0644)
	t.Cleanup(func() { os.Unsetenv("PLCMONITOR_TEST_LOADENV") })

	if err := LoadEnv(path); err != nil {
		t.Fatalf("LoadEnv failed: %v", err)
	}
	if os.Getenv("PLCMONITOR_TEST_LOADENV") != "yes" {
		t.Error("variable not loaded")
	}
}

func TestDefaultPath(t *testing.T) {
	if filepath.Base(DefaultPath()) != "config.yaml" {
		t.Errorf("unexpected default path %q", DefaultPath())
	}
}
