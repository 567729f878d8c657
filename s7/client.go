// Package s7 wraps github.com/robinson/gos7 for block reads from Siemens
// S7-300/400/1200/1500 CPUs.
package s7

import (
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/robinson/gos7"
)

// DefaultTimeout applies to connect and to every request.
const DefaultTimeout = 10 * time.Second

// Client is a connection to one S7 CPU.
type Client struct {
	handler   *gos7.TCPClientHandler
	client    gos7.Client
	address   string
	rack      int
	slot      int
	connected bool
	mu        sync.Mutex
}

// options holds configuration options for Connect.
type options struct {
	rack    int
	slot    int
	timeout time.Duration
}

// Option is a functional option for Connect.
type Option func(*options)

// WithRackSlot configures the rack and slot numbers for the PLC.
// S7-1200/1500 CPUs sit at rack 0, slot 0 or 1; S7-300 CPUs at rack 0, slot 2.
func WithRackSlot(rack, slot int) Option {
	return func(o *options) {
		o.rack = rack
		o.slot = slot
	}
}

// WithTimeout configures the connection and request timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// Connect opens an ISO-on-TCP session to the CPU at address (host or host:port).
func Connect(address string, opts ...Option) (*Client, error) {
	cfg := &options{timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(cfg)
	}

	handler := gos7.NewTCPClientHandler(address, cfg.rack, cfg.slot)
	handler.Timeout = cfg.timeout
	handler.IdleTimeout = cfg.timeout

	if err := handler.Connect(); err != nil {
		return nil, fmt.Errorf("connect %s: %w", address, err)
	}

	return &Client{
		handler:   handler,
		client:    gos7.NewClient(handler),
		address:   address,
		rack:      cfg.rack,
		slot:      cfg.slot,
		connected: true,
	}, nil
}

// Close releases the TCP connection. It is safe to call more than once.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return
	}
	c.connected = false
	if c.handler != nil {
		c.handler.Close()
	}
}

// IsConnected returns true until Close is called.
func (c *Client) IsConnected() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Address returns the address the client was opened with.
func (c *Client) Address() string {
	if c == nil {
		return ""
	}
	return c.address
}

// ConnectionMode returns a human-readable string describing the connection.
func (c *Client) ConnectionMode() string {
	if c == nil {
		return "Not connected"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return fmt.Sprintf("S7 Connected (Rack %d, Slot %d)", c.rack, c.slot)
	}
	return "Disconnected"
}

// ReadDB fills buf with len(buf) bytes of data block db starting at start.
func (c *Client) ReadDB(db, start int, buf []byte) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("ReadDB: nil client")
	}
	c.mu.Lock()
	connected := c.connected
	client := c.client
	c.mu.Unlock()
	if !connected {
		return fmt.Errorf("ReadDB: not connected")
	}
	return client.AGReadDB(db, start, len(buf), buf)
}

// CPUInfo contains information about the S7 CPU.
type CPUInfo struct {
	ModuleTypeName string
	SerialNumber   string
	ASName         string
	Copyright      string
	ModuleName     string
}

// GetCPUInfo returns information about the connected CPU.
func (c *Client) GetCPUInfo() (*CPUInfo, error) {
	if c == nil || c.client == nil {
		return nil, fmt.Errorf("GetCPUInfo: nil client")
	}
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()

	info, err := client.GetCPUInfo()
	if err != nil {
		return nil, err
	}

	return &CPUInfo{
		ModuleTypeName: info.ModuleTypeName,
		SerialNumber:   info.SerialNumber,
		ASName:         info.ASName,
		Copyright:      info.Copyright,
		ModuleName:     info.ModuleName,
	}, nil
}

var modelNumber = regexp.MustCompile(`\d{3,4}`)

// ModelCode extracts the CPU model number, e.g. 315 from "CPU 315-2 PN/DP"
// or from an order number such as "6ES7 315-2EH14-0AB0". It returns
// -1 when no model number is present.
func (info *CPUInfo) ModelCode() int {
	if info == nil {
		return -1
	}
	for _, s := range []string{info.ModuleTypeName, info.ModuleName} {
		if m := modelNumber.FindString(s); m != "" {
			n, err := strconv.Atoi(m)
			if err == nil {
				return n
			}
		}
	}
	return -1
}
