package conn

import "errors"

// Structural error kinds from spec §7 that originate in the connection
// layer.
var (
	ErrTimeout          = errors.New("conn: timeout")
	ErrCancelled        = errors.New("conn: cancelled")
	ErrConnect          = errors.New("conn: connect failed")
	ErrConnectionClosed = errors.New("conn: connection closed by remote")
	ErrWriteDropped     = errors.New("conn: write buffer full")
	ErrWrongState       = errors.New("conn: operation invalid in current state")
	ErrEmptyPayload     = errors.New("conn: empty payload")
	ErrHandedOff        = errors.New("conn: socket handed off")
)
