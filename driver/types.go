package driver

import "fmt"

// Device identifies a PLC endpoint.
type Device struct {
	Name    string // registration name
	Address string // IPv4 address, optionally with :port
	Rack    int
	Slot    int // CPU slot for S7, unit id for Modbus
}

// String returns a short human-readable summary of the device.
func (d Device) String() string {
	if d.Name != "" {
		return fmt.Sprintf("%s (%s r%d/s%d)", d.Name, d.Address, d.Rack, d.Slot)
	}
	return fmt.Sprintf("%s r%d/s%d", d.Address, d.Rack, d.Slot)
}

// DataBlock locates the contiguous region read on every cycle.
type DataBlock struct {
	Number int // DB number for S7, register table (3 or 4) for Modbus
	Offset int // start byte (S7) or first register (Modbus)
	Amount int // length in bytes
}

// String returns the block in DB<n>[offset:+amount] form.
func (b DataBlock) String() string {
	return fmt.Sprintf("DB%d[%d:+%d]", b.Number, b.Offset, b.Amount)
}

// DeviceCode is the numeric model identity reported by a device.
type DeviceCode int

// UnknownDeviceCode is reported when the identity query fails or is unsupported.
const UnknownDeviceCode DeviceCode = -1

// Protocol names accepted by New.
const (
	ProtocolS7     = "s7"
	ProtocolModbus = "modbus"
)
