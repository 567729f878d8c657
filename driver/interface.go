package driver

import "context"

// Connector opens sessions to devices of one protocol.
type Connector interface {
	// Open connects to dev. Failures are returned as *ConnectError.
	Open(ctx context.Context, dev Device) (Session, error)
}

// Session is an open connection to one device. A session is used by a
// single acquisition loop; Close may be called from any goroutine.
type Session interface {
	// ReadRegion fills dst with block.Amount bytes of the block.
	// dst is only written when the read succeeds. Failures are
	// returned as *ReadError.
	ReadRegion(ctx context.Context, block DataBlock, dst []byte) error

	// Identity returns the device's model code. Failures are returned
	// as *QueryError.
	Identity(ctx context.Context) (DeviceCode, error)

	// Close releases the connection. It is idempotent, and any read in
	// progress returns promptly with a NotConnected error.
	Close() error
}
