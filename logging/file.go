package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// LogFunc is the printf-style callback managers use for operational messages.
type LogFunc func(format string, args ...interface{})

// FileLogger writes log messages to a file, optionally echoing each line
// to a second writer such as stdout.
// It is safe for concurrent use from multiple goroutines.
type FileLogger struct {
	file   *os.File
	echo   io.Writer
	mu     sync.Mutex
	closed bool
}

// NewFileLogger creates a new file logger that writes to the specified path.
// The file is created if it doesn't exist, or appended to if it does.
func NewFileLogger(path string) (*FileLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &FileLogger{
		file: file,
	}, nil
}

// NewConsoleLogger returns a logger that only writes to w.
func NewConsoleLogger(w io.Writer) *FileLogger {
	return &FileLogger{echo: w}
}

// SetEcho mirrors every subsequent line to w. A nil w disables mirroring.
func (l *FileLogger) SetEcho(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.echo = w
}

// Log writes a formatted message with a timestamp.
// This method is safe to call from any goroutine.
func (l *FileLogger) Log(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	line := fmt.Sprintf("%s %s\n", time.Now().Format("2006-01-02 15:04:05.000"), fmt.Sprintf(format, args...))
	if l.file != nil {
		io.WriteString(l.file, line)
	}
	if l.echo != nil {
		io.WriteString(l.echo, line)
	}
}

// Func returns l.Log as a LogFunc.
func (l *FileLogger) Func() LogFunc {
	return l.Log
}

// Close closes the log file.
func (l *FileLogger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}

	l.closed = true
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
