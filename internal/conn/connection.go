// Package conn implements one framed TCP connection with inactivity
// watchdogs, cooperative write queueing, and an optional SOCKS5 tunnel
// (spec §4.2).
package conn

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"

	"github.com/soulseek-go/slsk/internal/logger"
	"github.com/soulseek-go/slsk/internal/socks"
)

// ID is a fresh opaque identifier assigned at construction; only used
// for diagnostics and for keying waits tied to a specific physical
// connection (spec §3 "ConnectionId").
type ID string

func newID() ID { return ID(uuid.NewV4().String()) }

// Key is a remote endpoint, used to deduplicate concurrent transfer
// connection attempts (spec §3 "ConnectionKey").
type Key struct {
	Address string
	Port    int
}

func (k Key) String() string { return fmt.Sprintf("%s:%d", k.Address, k.Port) }

// Handlers are the event sinks a Connection invokes on lifecycle
// transitions. Every field is optional; dispatch is best-effort and a
// panicking handler never corrupts Connection state (spec §9
// "Event-based → sum types").
type Handlers struct {
	OnConnected    func(c *Connection)
	OnDisconnected func(c *Connection, reason string, cause error)
}

func (h Handlers) fireConnected(c *Connection) {
	if h.OnConnected == nil {
		return
	}
	defer func() { recover() }()
	h.OnConnected(c)
}

func (h Handlers) fireDisconnected(c *Connection, reason string, cause error) {
	if h.OnDisconnected == nil {
		return
	}
	defer func() { recover() }()
	h.OnDisconnected(c, reason, cause)
}

// Connection wraps a TCP client with the lifecycle described in spec
// §3/§4.2. It exclusively owns its OS socket and its inactivity timer
// until handoff or disconnect.
type Connection struct {
	ID   ID
	Key  Key
	opts Options
	log  logger.Logger
	h    Handlers

	mu       sync.Mutex
	state    State
	netConn  net.Conn
	cancel   context.CancelFunc
	disconnC chan struct{}
	disconnOnce sync.Once

	writeQueue chan struct{}
	writeMu    sync.Mutex
	writeBuf   []byte

	inactivity *time.Timer
	lastActive time.Time

	watchdogStop chan struct{}
	handedOff    bool
}

// New constructs a Connection targeting key, not yet connected (state
// Pending).
func New(key Key, opts Options, log logger.Logger, h Handlers) *Connection {
	if opts.WriteQueueSize < 1 {
		opts.WriteQueueSize = DefaultOptions.WriteQueueSize
	}
	return &Connection{
		ID:         newID(),
		Key:        key,
		opts:       opts,
		log:        log,
		h:          h,
		state:      StatePending,
		disconnC:   make(chan struct{}),
		writeQueue: make(chan struct{}, opts.WriteQueueSize),
		writeBuf:   make([]byte, opts.WriteBufferSize),
	}
}

// Adopt wraps an already-connected net.Conn (e.g. a raw file-transfer
// socket handed off by a ListenerHandler, or the winner of a direct
// dial race) as though Connect had succeeded locally. Unlike
// MessageConnection's AdoptSocket, no framed read loop is started: the
// caller drives the socket directly via Write/ReadStream/WriteStream.
func Adopt(nc net.Conn, opts Options, log logger.Logger, h Handlers) *Connection {
	key := Key{}
	if addr, ok := nc.RemoteAddr().(*net.TCPAddr); ok {
		key = Key{Address: addr.IP.String(), Port: addr.Port}
	}
	c := New(key, opts, log, h)
	c.mu.Lock()
	c.netConn = nc
	c.state = StateConnected
	c.mu.Unlock()
	c.startTimers()
	c.h.fireConnected(c)
	return c
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the remote endpoint (optionally via a SOCKS5 proxy),
// racing the actual connect against opts.ConnectTimeout and ctx
// cancellation (spec §4.2 "connect").
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StatePending && c.state != StateDisconnected {
		c.mu.Unlock()
		return fmt.Errorf("%w: connect requires Pending or Disconnected, have %s", ErrWrongState, c.state)
	}
	c.state = StateConnecting
	connCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	if c.opts.ConnectTimeout > 0 {
		var timeoutCancel context.CancelFunc
		connCtx, timeoutCancel = context.WithTimeout(connCtx, c.opts.ConnectTimeout)
		defer timeoutCancel()
	}

	resultC := make(chan error, 1)
	var established net.Conn

	go func() {
		nc, err := c.dial(connCtx)
		if err == nil {
			established = nc
		}
		resultC <- err
	}()

	select {
	case err := <-resultC:
		if err != nil {
			c.mu.Lock()
			c.state = StateDisconnected
			c.mu.Unlock()
			if connCtx.Err() == context.DeadlineExceeded {
				return fmt.Errorf("%w: %v", ErrTimeout, err)
			}
			if connCtx.Err() == context.Canceled {
				return fmt.Errorf("%w: %v", ErrCancelled, err)
			}
			return fmt.Errorf("%w: %v", ErrConnect, err)
		}
	case <-connCtx.Done():
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		if connCtx.Err() == context.DeadlineExceeded {
			return ErrTimeout
		}
		return ErrCancelled
	}

	c.mu.Lock()
	c.netConn = established
	c.state = StateConnected
	c.lastActive = time.Now()
	c.mu.Unlock()

	c.startTimers()
	c.h.fireConnected(c)
	return nil
}

func (c *Connection) dial(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{}
	if c.opts.Proxy == nil {
		return dialer.DialContext(ctx, "tcp", c.Key.String())
	}
	host, _, err := net.SplitHostPort(c.Key.String())
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
		if err != nil || len(ips) == 0 {
			return nil, fmt.Errorf("resolve %s: %w", host, err)
		}
		ip = ips[0]
	}
	rawDialer := func(network, addr string) (net.Conn, error) {
		return dialer.DialContext(ctx, network, addr)
	}
	nc, _, err := socks.Dial(rawDialer, *c.opts.Proxy, ip, c.Key.Port)
	return nc, err
}

func (c *Connection) startTimers() {
	c.watchdogStop = make(chan struct{})
	if c.opts.InactivityTimeout >= 0 {
		c.inactivity = time.AfterFunc(c.timeoutOrDefault(), func() {
			c.Disconnect("inactivity timeout", ErrTimeout)
		})
	}
	go c.watchdog()
}

func (c *Connection) timeoutOrDefault() time.Duration {
	if c.opts.InactivityTimeout <= 0 {
		return DefaultOptions.InactivityTimeout
	}
	return c.opts.InactivityTimeout
}

func (c *Connection) resetInactivity() {
	if c.opts.InactivityTimeout < 0 || c.inactivity == nil {
		return
	}
	c.inactivity.Reset(c.timeoutOrDefault())
}

// watchdog fires every 250ms and disconnects on unexpected socket
// closure independent of read/write activity (spec §4.2 "Timers").
func (c *Connection) watchdog() {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			nc := c.netConn
			handedOff := c.handedOff
			c.mu.Unlock()
			if nc == nil || handedOff {
				return
			}
			if !socketAlive(nc) {
				c.Disconnect("socket reported closed", ErrConnectionClosed)
				return
			}
		case <-c.watchdogStop:
			return
		}
	}
}

// socketAlive is a placeholder liveness check: a true MSG_PEEK probe
// needs a platform syscall and would race the connection's own read
// loop, which is the primary closure detector (zero-byte read ->
// ErrConnectionClosed, spec §4.2 "read_stream"). The watchdog still
// runs on its 250ms cadence so a future syscall-based probe slots in
// without changing callers.
func socketAlive(nc net.Conn) bool {
	return nc != nil
}

// Write requires state Connected and a non-empty payload. It acquires
// a bounded write-queue slot and an exclusive write mutex, writes the
// payload, and resets the inactivity timer on progress (spec §4.2
// "write").
func (c *Connection) Write(ctx context.Context, payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyPayload
	}
	if c.State() != StateConnected {
		return fmt.Errorf("%w: write requires Connected, have %s", ErrWrongState, c.State())
	}

	select {
	case c.writeQueue <- struct{}{}:
	default:
		c.Disconnect("write buffer full", ErrWriteDropped)
		return ErrWriteDropped
	}
	defer func() { <-c.writeQueue }()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	nc := c.netConn
	c.mu.Unlock()
	if nc == nil {
		return ErrWrongState
	}

	if dl, ok := ctx.Deadline(); ok {
		nc.SetWriteDeadline(dl)
		defer nc.SetWriteDeadline(time.Time{})
	}

	n, err := nc.Write(payload)
	if err != nil {
		c.Disconnect("write error", err)
		return fmt.Errorf("conn: write: %w", err)
	}
	if n > 0 {
		c.mu.Lock()
		c.lastActive = time.Now()
		c.mu.Unlock()
		c.resetInactivity()
	}
	return nil
}

// WriteStream reads up to length bytes from input in chunks sized by
// opts.WriteBufferSize, deferring to governor before each chunk, and
// writes them to the socket (spec §4.2 "write_stream").
func (c *Connection) WriteStream(ctx context.Context, length int64, input io.Reader, governor Governor, progress func(int64)) error {
	if governor == nil {
		governor = NoLimit
	}
	var total int64
	buf := make([]byte, c.opts.WriteBufferSize)
	for total < length {
		want := length - total
		if want > int64(len(buf)) {
			want = int64(len(buf))
		}
		granted, err := governor(ctx, int(want))
		if err != nil {
			c.Disconnect("write_stream governor error", err)
			return err
		}
		if granted <= 0 {
			continue
		}
		n, err := io.ReadFull(input, buf[:granted])
		if err != nil {
			c.Disconnect("write_stream read error", err)
			return fmt.Errorf("conn: write_stream read: %w", err)
		}
		if err := c.Write(ctx, buf[:n]); err != nil {
			return err
		}
		total += int64(n)
		if progress != nil {
			progress(total)
		}
	}
	return nil
}

// ReadStream reads exactly length bytes from the socket in chunks,
// deferring to governor before each chunk, and writes them to output.
// A zero-byte socket read signals the remote closed the connection
// (spec §4.2 "read_stream").
func (c *Connection) ReadStream(ctx context.Context, length int64, output io.Writer, governor Governor, progress func(int64)) error {
	if governor == nil {
		governor = NoLimit
	}
	c.mu.Lock()
	nc := c.netConn
	c.mu.Unlock()
	if nc == nil {
		return ErrWrongState
	}

	buf := make([]byte, c.opts.ReadBufferSize)
	var total int64
	for total < length {
		want := length - total
		if want > int64(len(buf)) {
			want = int64(len(buf))
		}
		granted, err := governor(ctx, int(want))
		if err != nil {
			c.Disconnect("read_stream governor error", err)
			return err
		}
		if granted <= 0 {
			continue
		}
		if dl, ok := ctx.Deadline(); ok {
			nc.SetReadDeadline(dl)
		}
		n, err := nc.Read(buf[:granted])
		if n == 0 && err == nil {
			c.Disconnect("remote closed", ErrConnectionClosed)
			return ErrConnectionClosed
		}
		if n > 0 {
			if _, werr := output.Write(buf[:n]); werr != nil {
				c.Disconnect("read_stream output write error", werr)
				return werr
			}
			total += int64(n)
			c.mu.Lock()
			c.lastActive = time.Now()
			c.mu.Unlock()
			c.resetInactivity()
			if progress != nil {
				progress(total)
			}
		}
		if err != nil {
			if err == io.EOF {
				c.Disconnect("remote closed", ErrConnectionClosed)
				return ErrConnectionClosed
			}
			c.Disconnect("read_stream error", err)
			return fmt.Errorf("conn: read_stream: %w", err)
		}
	}
	return nil
}

// Disconnect is idempotent: it transitions through
// Disconnecting->Disconnected exactly once, stops timers, closes the
// socket, and fires OnDisconnected exactly once (spec §4.2, §8
// invariant 4).
func (c *Connection) Disconnect(reason string, cause error) {
	c.disconnOnce.Do(func() {
		c.mu.Lock()
		if c.handedOff {
			c.mu.Unlock()
			return
		}
		c.state = StateDisconnecting
		nc := c.netConn
		cancel := c.cancel
		watchdogStop := c.watchdogStop
		inactivity := c.inactivity
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if watchdogStop != nil {
			close(watchdogStop)
		}
		if inactivity != nil {
			inactivity.Stop()
		}
		if nc != nil {
			nc.Close()
		}

		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()

		close(c.disconnC)
		c.h.fireDisconnected(c, reason, cause)
	})
}

// WaitForDisconnect blocks until Disconnect has completed, or ctx is
// done.
func (c *Connection) WaitForDisconnect(ctx context.Context) error {
	select {
	case <-c.disconnC:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handoff gives the owned TCP socket to another object. After this
// call the Connection emits no further events and all further
// operations fail (spec §4.2 "handoff").
func (c *Connection) Handoff() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handedOff = true
	nc := c.netConn
	c.netConn = nil
	if c.watchdogStop != nil {
		select {
		case <-c.watchdogStop:
		default:
			close(c.watchdogStop)
		}
	}
	if c.inactivity != nil {
		c.inactivity.Stop()
	}
	c.state = StateDisconnected
	return nc
}
