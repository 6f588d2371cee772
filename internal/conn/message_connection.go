package conn

import (
	"context"
	"net"

	"github.com/soulseek-go/slsk/internal/codec"
	"github.com/soulseek-go/slsk/internal/logger"
)

// Record is one decoded frame delivered by a MessageConnection's read
// loop: the raw body (opcode + payload, possibly still compressed) and
// the channel it was read on.
type Record struct {
	Channel codec.Channel
	Body    []byte
}

// MessageConnection extends Connection with a read-loop task that
// exclusively reads from the socket and emits decoded frames (spec §3
// "MessageConnection").
type MessageConnection struct {
	*Connection
	channel codec.Channel
	records chan Record
	readErr chan error
}

// NewMessageConnection wraps key/opts/handlers as in Connection.New,
// adding a channel-typed framed-read loop once connected.
func NewMessageConnection(channel codec.Channel, key Key, opts Options, log logger.Logger, h Handlers) *MessageConnection {
	return &MessageConnection{
		Connection: New(key, opts, log, h),
		channel:    channel,
		records:    make(chan Record, 64),
		readErr:    make(chan error, 1),
	}
}

// AdoptSocket wraps an already-connected net.Conn (e.g. one handed off
// by a ListenerHandler or a PierceFirewall acceptance) as though
// Connect had succeeded locally.
func AdoptSocket(channel codec.Channel, nc net.Conn, opts Options, log logger.Logger, h Handlers) *MessageConnection {
	key := Key{}
	if addr, ok := nc.RemoteAddr().(*net.TCPAddr); ok {
		key = Key{Address: addr.IP.String(), Port: addr.Port}
	}
	mc := NewMessageConnection(channel, key, opts, log, h)
	mc.mu.Lock()
	mc.netConn = nc
	mc.state = StateConnected
	mc.mu.Unlock()
	mc.startTimers()
	mc.h.fireConnected(mc.Connection)
	go mc.readLoop()
	return mc
}

// Connect dials then starts the framed-read loop.
func (mc *MessageConnection) Connect(ctx context.Context) error {
	if err := mc.Connection.Connect(ctx); err != nil {
		return err
	}
	go mc.readLoop()
	return nil
}

// Records returns the channel of decoded frames. Closed when the read
// loop exits (disconnect or handoff).
func (mc *MessageConnection) Records() <-chan Record {
	return mc.records
}

// ReadError returns the error, if any, that terminated the read loop.
func (mc *MessageConnection) ReadError() <-chan error {
	return mc.readErr
}

func (mc *MessageConnection) readLoop() {
	defer close(mc.records)
	for {
		mc.mu.Lock()
		nc := mc.netConn
		handedOff := mc.handedOff
		mc.mu.Unlock()
		if nc == nil || handedOff {
			return
		}

		body, err := codec.ReadFrame(nc)
		if err != nil {
			select {
			case mc.readErr <- err:
			default:
			}
			mc.Disconnect("read loop error", err)
			return
		}
		mc.resetInactivity()

		select {
		case mc.records <- Record{Channel: mc.channel, Body: body}:
		case <-mc.disconnC:
			return
		}
	}
}
