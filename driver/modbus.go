package driver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/goburrow/modbus"

	"plcmonitor/logging"
)

// Modbus register tables selectable through DataBlock.Number.
const (
	HoldingRegisters = 3
	InputRegisters   = 4
)

const (
	defaultModbusPort  = 502
	maxModbusRegisters = 125
)

// ModbusConnector opens Modbus TCP sessions. Device.Slot is the unit id.
type ModbusConnector struct {
	Timeout time.Duration
	// Port is used when Device.Address carries no port. Zero means 502.
	Port int
}

// Open connects to dev.Address.
func (c *ModbusConnector) Open(ctx context.Context, dev Device) (Session, error) {
	address := dev.Address
	if _, _, err := net.SplitHostPort(address); err != nil {
		port := c.Port
		if port == 0 {
			port = defaultModbusPort
		}
		address = net.JoinHostPort(address, strconv.Itoa(port))
	}
	if dev.Slot < 0 || dev.Slot > 255 {
		return nil, &ConnectError{Kind: ProtocolMismatch, Address: address,
			Err: fmt.Errorf("unit id %d out of range", dev.Slot)}
	}

	logging.DebugConnect("modbus", address, fmt.Sprintf("unit=%d", dev.Slot))

	handler, err := dial(ctx, func() (*modbus.TCPClientHandler, error) {
		h := modbus.NewTCPClientHandler(address)
		if c.Timeout > 0 {
			h.Timeout = c.Timeout
		}
		h.SlaveId = byte(dev.Slot)
		if err := h.Connect(); err != nil {
			return nil, err
		}
		return h, nil
	}, func(h *modbus.TCPClientHandler) { h.Close() })
	if err != nil {
		logging.DebugConnectError("modbus", address, err)
		return nil, classifyConnect(address, err)
	}

	logging.DebugConnectSuccess("modbus", address, fmt.Sprintf("unit %d", dev.Slot))
	return &modbusSession{
		handler: handler,
		client:  modbus.NewClient(handler),
		address: address,
	}, nil
}

type modbusSession struct {
	handler  *modbus.TCPClientHandler
	client   modbus.Client
	address  string
	calls    callGate
	closed   atomic.Bool
	inflight atomic.Int32
}

func (s *modbusSession) ReadRegion(ctx context.Context, block DataBlock, dst []byte) error {
	if s.closed.Load() {
		return &ReadError{Kind: NotConnected, Block: block, Err: errSessionClosed}
	}
	if err := checkModbusBlock(block); err != nil {
		return &ReadError{Kind: ProtocolError, Block: block, Err: err}
	}
	if len(dst) < block.Amount {
		return &ReadError{Kind: ProtocolError, Block: block,
			Err: fmt.Errorf("destination holds %d bytes, block needs %d", len(dst), block.Amount)}
	}

	addr := uint16(block.Offset)
	qty := uint16(block.Amount / 2)

	if err := ctx.Err(); err != nil {
		return classifyRead(block, err)
	}

	var data []byte
	err := s.calls.run(ctx, func() { s.Close() }, func() error {
		s.inflight.Add(1)
		defer s.inflight.Add(-1)
		var err error
		if block.Number == InputRegisters {
			data, err = s.client.ReadInputRegisters(addr, qty)
		} else {
			data, err = s.client.ReadHoldingRegisters(addr, qty)
		}
		return err
	})
	if err != nil {
		if s.closed.Load() {
			err = fmt.Errorf("%w: %v", errSessionClosed, err)
		}
		return classifyRead(block, err)
	}
	if len(data) != block.Amount {
		return &ReadError{Kind: ProtocolError, Block: block,
			Err: fmt.Errorf("short response: got %d bytes, want %d", len(data), block.Amount)}
	}

	copy(dst, data)
	logging.DebugRX("modbus", s.address, data)
	return nil
}

func checkModbusBlock(block DataBlock) error {
	if block.Number != HoldingRegisters && block.Number != InputRegisters {
		return fmt.Errorf("register table %d not supported (use 3 or 4)", block.Number)
	}
	if block.Amount <= 0 || block.Amount%2 != 0 {
		return fmt.Errorf("amount %d must be a positive even byte count", block.Amount)
	}
	if block.Amount/2 > maxModbusRegisters {
		return fmt.Errorf("amount %d exceeds %d registers", block.Amount, maxModbusRegisters)
	}
	if block.Offset < 0 || block.Offset+block.Amount/2 > 65536 {
		return fmt.Errorf("register range %d+%d out of bounds", block.Offset, block.Amount/2)
	}
	return nil
}

var errNoModbusIdentity = errors.New("modbus devices do not report a model code")

func (s *modbusSession) Identity(ctx context.Context) (DeviceCode, error) {
	return UnknownDeviceCode, &QueryError{Err: errNoModbusIdentity}
}

func (s *modbusSession) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	logging.DebugDisconnect("modbus", s.address, "session closed")
	if s.inflight.Load() > 0 {
		go s.handler.Close()
		return nil
	}
	return s.handler.Close()
}
