package engine

import (
	"time"

	"plcmonitor/schema"
)

// EventType identifies the kind of event emitted by the Engine.
type EventType int

const (
	// Device lifecycle events
	EventDeviceCreated EventType = iota + 1
	EventDeviceDeleted
	EventDeviceStarted
	EventDeviceStopped
	EventDeviceUpdated

	// Acquisition events
	EventDeviceConnected
	EventDeviceConnectFailed
	EventDeviceRefreshed
	EventSignalsChanged

	// EventConfigChanged follows every successful save of the config file.
	EventConfigChanged
)

// String returns the wire name used by the SSE stream.
func (t EventType) String() string {
	switch t {
	case EventDeviceCreated:
		return "device_created"
	case EventDeviceDeleted:
		return "device_deleted"
	case EventDeviceStarted:
		return "device_started"
	case EventDeviceStopped:
		return "device_stopped"
	case EventDeviceUpdated:
		return "device_updated"
	case EventDeviceConnected:
		return "connected"
	case EventDeviceConnectFailed:
		return "connect_failed"
	case EventDeviceRefreshed:
		return "refreshed"
	case EventSignalsChanged:
		return "signals"
	case EventConfigChanged:
		return "config_changed"
	default:
		return "unknown"
	}
}

// Event is the envelope emitted by the Engine's EventBus.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   interface{}
}

// DeviceEvent is the payload for device lifecycle and connection events.
type DeviceEvent struct {
	Name  string `json:"name"`
	Code  int    `json:"code,omitempty"`  // identity code for EventDeviceConnected
	Error string `json:"error,omitempty"` // EventDeviceConnectFailed
}

// SignalsEvent carries the signals that changed in one refresh.
type SignalsEvent struct {
	Device  string          `json:"device"`
	Signals []schema.Signal `json:"signals"`
}
