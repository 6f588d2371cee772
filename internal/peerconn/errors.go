package peerconn

import "errors"

var (
	// ErrSuperseded is the disconnect cause given to a cached peer
	// connection when a newer physical connection for the same
	// username arrives (spec §4.4 "Inbound unsolicited").
	ErrSuperseded = errors.New("peerconn: superseded by newer connection")
	// ErrUnreachable means both the direct and indirect strategies
	// failed (spec §4.4 "Establishing an outbound peer connection").
	ErrUnreachable = errors.New("peerconn: peer unreachable")
	// ErrUnsolicited is returned when a PierceFirewall arrives carrying
	// a token with no matching solicitation.
	ErrUnsolicited = errors.New("peerconn: pierce firewall for unknown token")
)
