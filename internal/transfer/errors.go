package transfer

import "errors"

var (
	// ErrTransferRejected is returned when the remote's TransferResponse
	// carries Allowed=false (spec §7).
	ErrTransferRejected = errors.New("transfer: rejected by remote")
	// ErrUserOffline is returned when no peer connection, direct or
	// indirect, could be established (spec §7 "User-visible behaviour").
	ErrUserOffline = errors.New("transfer: user unreachable")
	// ErrQueueFull is returned by the upload orchestrator's enqueue
	// callback when the host declines to queue a download.
	ErrQueueFull = errors.New("transfer: queue full")
	// ErrNoTransferConnection is returned when a data connection could
	// not be opened (direct dial failed and no PierceFirewall arrived
	// before the solicitation timeout).
	ErrNoTransferConnection = errors.New("transfer: could not open data connection")
)
