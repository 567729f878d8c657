package driver

import "fmt"

// ConnectKind classifies why a connection could not be opened.
type ConnectKind int

const (
	Unreachable ConnectKind = iota
	Refused
	ProtocolMismatch
)

// String returns the kind name.
func (k ConnectKind) String() string {
	switch k {
	case Unreachable:
		return "unreachable"
	case Refused:
		return "refused"
	case ProtocolMismatch:
		return "protocol mismatch"
	default:
		return "unknown"
	}
}

// ConnectError is returned by Connector.Open.
type ConnectError struct {
	Kind    ConnectKind
	Address string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %s: %v", e.Address, e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ReadKind classifies a failed region read.
type ReadKind int

const (
	Timeout ReadKind = iota
	ProtocolError
	NotConnected
)

// String returns the kind name.
func (k ReadKind) String() string {
	switch k {
	case Timeout:
		return "timeout"
	case ProtocolError:
		return "protocol error"
	case NotConnected:
		return "not connected"
	default:
		return "unknown"
	}
}

// ReadError is returned by Session.ReadRegion.
type ReadError struct {
	Kind  ReadKind
	Block DataBlock
	Err   error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read %s: %s: %v", e.Block, e.Kind, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// QueryError is returned by Session.Identity.
type QueryError struct {
	Err error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("identity query: %v", e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }
