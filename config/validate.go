package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"plcmonitor/driver"
	"plcmonitor/schema"
)

// ErrInvalidDevice wraps every device registration error.
var ErrInvalidDevice = errors.New("invalid device")

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	if c.Namespace != "" && !IsValidNamespace(c.Namespace) {
		return fmt.Errorf("invalid namespace: must contain only alphanumeric characters, hyphens, underscores and dots")
	}
	if c.PollInterval < 0 || c.ReadTimeout < 0 || c.ReconnectDelay < 0 {
		return fmt.Errorf("poll_interval, read_timeout and reconnect_delay must not be negative")
	}

	seen := make(map[string]bool, len(c.Devices))
	for i := range c.Devices {
		d := &c.Devices[i]
		if err := ValidateDevice(d); err != nil {
			return err
		}
		if seen[d.Name] {
			return fmt.Errorf("%w: duplicate device name %q", ErrInvalidDevice, d.Name)
		}
		seen[d.Name] = true
	}

	names := map[string][]string{}
	for _, m := range c.MQTT {
		names["mqtt"] = append(names["mqtt"], m.Name)
	}
	for _, v := range c.Valkey {
		names["valkey"] = append(names["valkey"], v.Name)
	}
	for _, k := range c.Kafka {
		names["kafka"] = append(names["kafka"], k.Name)
	}
	for _, in := range c.Influx {
		names["influx"] = append(names["influx"], in.Name)
	}
	for kind, list := range names {
		seen := make(map[string]bool, len(list))
		for _, name := range list {
			if name == "" {
				return fmt.Errorf("%s: every entry needs a name", kind)
			}
			if seen[name] {
				return fmt.Errorf("%s: duplicate name %q", kind, name)
			}
			seen[name] = true
		}
	}

	for _, m := range c.MQTT {
		if m.Enabled && m.Broker == "" {
			return fmt.Errorf("mqtt %q: broker is required", m.Name)
		}
	}
	for _, v := range c.Valkey {
		if v.Enabled && v.Address == "" {
			return fmt.Errorf("valkey %q: address is required", v.Name)
		}
	}
	for _, k := range c.Kafka {
		if k.Enabled && len(k.Brokers) == 0 {
			return fmt.Errorf("kafka %q: at least one broker is required", k.Name)
		}
	}
	for _, in := range c.Influx {
		if in.Enabled && (in.URL == "" || in.Org == "" || in.Bucket == "") {
			return fmt.Errorf("influx %q: url, org and bucket are required", in.Name)
		}
	}
	return nil
}

// ValidateDevice checks a single registration record: name, address,
// rack/slot range, data block and schema fit.
func ValidateDevice(d *DeviceConfig) error {
	if !IsValidName(d.Name) {
		return fmt.Errorf("%w: name %q must be non-empty and use only letters, digits, '-', '_' or '.'", ErrInvalidDevice, d.Name)
	}
	if !IsValidAddress(d.Address) {
		return fmt.Errorf("%w: %s: address %q is not a valid IPv4 address", ErrInvalidDevice, d.Name, d.Address)
	}

	protocol := d.GetProtocol()
	switch protocol {
	case driver.ProtocolS7:
		if d.Rack < 0 || d.Rack > 7 {
			return fmt.Errorf("%w: %s: rack %d out of range 0..7", ErrInvalidDevice, d.Name, d.Rack)
		}
		if d.Slot < 0 || d.Slot > 31 {
			return fmt.Errorf("%w: %s: slot %d out of range 0..31", ErrInvalidDevice, d.Name, d.Slot)
		}
	case driver.ProtocolModbus:
		if d.Slot < 0 || d.Slot > 255 {
			return fmt.Errorf("%w: %s: unit id %d out of range 0..255", ErrInvalidDevice, d.Name, d.Slot)
		}
	default:
		return fmt.Errorf("%w: %s: unknown protocol %q", ErrInvalidDevice, d.Name, d.Protocol)
	}

	if err := driver.ValidateBlock(protocol, d.Block()); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidDevice, d.Name, err)
	}

	s, ok := schema.Lookup(d.Schema)
	if !ok {
		return fmt.Errorf("%w: %s: unknown schema %q", ErrInvalidDevice, d.Name, d.Schema)
	}
	if err := s.Fits(d.DataBlock.Amount); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidDevice, d.Name, err)
	}
	return nil
}

// IsValidNamespace returns true if the namespace is valid.
// Valid namespaces contain only alphanumeric characters, hyphens, underscores, and dots.
func IsValidNamespace(ns string) bool {
	if ns == "" {
		return false
	}
	for _, r := range ns {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.') {
			return false
		}
	}
	return true
}

// IsValidName reports whether name can be used as a device name. Device
// names appear in topics and keys, so they follow the namespace rules.
func IsValidName(name string) bool {
	return len(name) <= 64 && IsValidNamespace(name)
}

// IsValidAddress accepts a dotted IPv4 address with an optional port.
func IsValidAddress(address string) bool {
	host := address
	if h, port, err := net.SplitHostPort(address); err == nil {
		p, err := strconv.Atoi(port)
		if err != nil || p < 1 || p > 65535 {
			return false
		}
		host = h
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.To4() != nil
}
