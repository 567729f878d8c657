package driver

import (
	"fmt"
	"time"
)

// New returns a Connector for the named protocol. An empty name selects S7.
func New(protocol string, timeout time.Duration) (Connector, error) {
	switch protocol {
	case ProtocolS7, "":
		return &S7Connector{Timeout: timeout}, nil
	case ProtocolModbus:
		return &ModbusConnector{Timeout: timeout}, nil
	default:
		return nil, fmt.Errorf("unknown protocol %q", protocol)
	}
}

// Protocols lists the supported protocol names.
func Protocols() []string {
	return []string{ProtocolS7, ProtocolModbus}
}

// ValidateBlock checks that block is addressable under protocol.
func ValidateBlock(protocol string, block DataBlock) error {
	switch protocol {
	case ProtocolModbus:
		return checkModbusBlock(block)
	case ProtocolS7, "":
		if block.Number < 1 || block.Number > 65535 {
			return fmt.Errorf("DB number %d out of range 1..65535", block.Number)
		}
		if block.Offset < 0 {
			return fmt.Errorf("offset %d must not be negative", block.Offset)
		}
		if block.Amount <= 0 || block.Amount > 65535 {
			return fmt.Errorf("amount %d out of range 1..65535", block.Amount)
		}
		return nil
	default:
		return fmt.Errorf("unknown protocol %q", protocol)
	}
}
