package logging

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readDebug(t *testing.T, l *DebugLogger, path string) string {
	t.Helper()
	l.Close()
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read debug log: %v", err)
	}
	return string(content)
}

func TestDebugLoggerFilter(t *testing.T) {
	tests := []struct {
		name    string
		filter  string
		logged  []string
		skipped []string
	}{
		{"empty logs all", "", []string{"s7", "mqtt", "plcman"}, nil},
		{"single", "s7", []string{"s7"}, []string{"modbus", "mqtt"}},
		{"list", "modbus, kafka", []string{"modbus", "kafka"}, []string{"s7"}},
		{"plc group", "plc", []string{"s7", "modbus", "plcman"}, []string{"mqtt"}},
		{"sinks group", "SINKS", []string{"mqtt", "valkey", "kafka", "influx"}, []string{"s7"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "debug.log")
			l, err := NewDebugLogger(path)
			if err != nil {
				t.Fatalf("NewDebugLogger: %v", err)
			}
			l.SetFilter(tt.filter)
			for _, p := range append(append([]string{}, tt.logged...), tt.skipped...) {
				l.Log(p, "marker-%s", p)
			}
			out := readDebug(t, l, path)

			for _, p := range tt.logged {
				if !strings.Contains(out, "marker-"+p) {
					t.Errorf("%s not logged", p)
				}
			}
			for _, p := range tt.skipped {
				if strings.Contains(out, "marker-"+p) {
					t.Errorf("%s should be filtered", p)
				}
			}
		})
	}
}

func TestDebugLoggerEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "debug.log")
	l, err := NewDebugLogger(path)
	if err != nil {
		t.Fatalf("NewDebugLogger: %v", err)
	}

	l.LogConnect("s7", "10.0.0.5", "rack=0 slot=2")
	l.LogConnect("modbus", "10.0.0.6:502", "")
	l.LogConnectSuccess("s7", "10.0.0.5", "S7 Connected (Rack 0, Slot 2)")
	l.LogConnectError("s7", "10.0.0.7", errors.New("connection refused"))
	l.LogDisconnect("s7", "10.0.0.5", "session closed")
	l.LogError("plcman", "read tank", errors.New("i/o timeout"))
	l.LogRX("s7", "10.0.0.5", []byte("ABCDEFGHIJKLMNOPQR"))

	out := readDebug(t, l, path)
	for _, want := range []string{
		"CONNECT to 10.0.0.5 (rack=0 slot=2)",
		"CONNECT to 10.0.0.6:502\n",
		"CONNECTED to 10.0.0.5 - S7 Connected",
		"CONNECT FAILED to 10.0.0.7: connection refused",
		"DISCONNECT from 10.0.0.5: session closed",
		"ERROR in read tank: i/o timeout",
		"RX 10.0.0.5 (18 bytes)",
		"0000: 41 42 43",
		"ABCDEFGHIJKLMNOP",
		"0010: 51 52",
		"Debug logging ended",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}

func TestHexDump(t *testing.T) {
	if got := hexDump(nil); got != "    (empty)" {
		t.Errorf("hexDump(nil) = %q", got)
	}
	got := hexDump([]byte{0x00, 0x7F, 'a'})
	if !strings.HasPrefix(got, "    0000: 00 7F 61") || !strings.HasSuffix(got, "..a") {
		t.Errorf("hexDump = %q", got)
	}
}

func TestGlobalDebugHelpers(t *testing.T) {
	DebugLog("s7", "no logger installed")

	path := filepath.Join(t.TempDir(), "debug.log")
	l, err := NewDebugLogger(path)
	if err != nil {
		t.Fatalf("NewDebugLogger: %v", err)
	}
	SetGlobalDebugLogger(l)
	defer SetGlobalDebugLogger(nil)

	DebugConnect("s7", "10.0.0.5", "")
	DebugError("plcman", "tank", errors.New("boom"))
	DebugRX("modbus", "10.0.0.6:502", []byte{1, 2})

	out := readDebug(t, l, path)
	for _, want := range []string{"CONNECT to 10.0.0.5", "ERROR in tank: boom", "RX 10.0.0.6:502 (2 bytes)"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q", want)
		}
	}
}

func TestKnownProtocols(t *testing.T) {
	got := strings.Join(KnownProtocols(), ",")
	for _, p := range []string{"s7", "modbus", "influx", "plc", "sinks"} {
		if !strings.Contains(got, p) {
			t.Errorf("KnownProtocols missing %s", p)
		}
	}
}
