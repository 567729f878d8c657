package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestNewFileLogger(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("appends to existing file", func(t *testing.T) {
		path := filepath.Join(tmpDir, "monitor.log")
		if err := os.WriteFile(path, []byte("previous run\n"), 0644); err != nil {
			t.Fatalf("failed to create test file: %v", err)
		}

		logger, err := NewFileLogger(path)
		if err != nil {
			t.Fatalf("NewFileLogger failed: %v", err)
		}
		logger.Log("device %s connected, code %d", "tank", 315)
		logger.Close()

		content, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("failed to read file: %v", err)
		}
		str := string(content)
		if !strings.HasPrefix(str, "previous run\n") {
			t.Error("existing content was overwritten")
		}
		if !strings.Contains(str, "device tank connected, code 315") {
			t.Errorf("message missing: %s", str)
		}
	})

	t.Run("returns error for invalid path", func(t *testing.T) {
		if _, err := NewFileLogger("/nonexistent/directory/file.log"); err == nil {
			t.Error("expected error for invalid path")
		}
	})
}

func TestFileLoggerEcho(t *testing.T) {
	path := filepath.Join(t.TempDir(), "echo.log")
	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	defer logger.Close()

	var buf bytes.Buffer
	logger.SetEcho(&buf)
	logger.Func()("read failed: %s", "timeout")
	logger.SetEcho(nil)
	logger.Log("not echoed")

	if !strings.Contains(buf.String(), "read failed: timeout") {
		t.Errorf("echo = %q", buf.String())
	}
	if strings.Contains(buf.String(), "not echoed") {
		t.Error("line echoed after SetEcho(nil)")
	}

	content, _ := os.ReadFile(path)
	if strings.Count(string(content), "\n") != 2 {
		t.Errorf("file content = %q", content)
	}
}

func TestConsoleLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewConsoleLogger(&buf)
	logger.Log("hello %d", 1)
	if err := logger.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	logger.Log("after close")

	out := buf.String()
	// "2006-01-02 15:04:05.000 " prefix
	if len(out) < 24 || !strings.Contains(out, "hello 1") {
		t.Errorf("output = %q", out)
	}
	if strings.Contains(out, "after close") {
		t.Error("logged after close")
	}
}

func TestFileLoggerCloseTwice(t *testing.T) {
	logger, err := NewFileLogger(filepath.Join(t.TempDir(), "x.log"))
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("first Close failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}

	var nilLogger *FileLogger
	nilLogger.Log("ignored")
	if err := nilLogger.Close(); err != nil {
		t.Errorf("nil Close: %v", err)
	}
}

func TestFileLoggerConcurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "concurrent.log")
	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	defer logger.Close()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			logger.Log("message from goroutine %d", n)
		}(i)
	}
	wg.Wait()

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	if len(lines) != 100 {
		t.Errorf("expected 100 lines, got %d", len(lines))
	}
}
