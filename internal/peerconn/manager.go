// Package peerconn implements the pool of per-username peer message
// connections, the direct/indirect connect race, and inbound
// supersession/solicitation handling (spec §4.4).
package peerconn

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/soulseek-go/slsk/internal/codec"
	"github.com/soulseek-go/slsk/internal/conn"
	"github.com/soulseek-go/slsk/internal/logger"
	"github.com/soulseek-go/slsk/internal/waiter"
)

// ServerWriter writes a raw frame to the server connection; supplied
// by the owning client so this package never imports the server
// session directly.
type ServerWriter func(ctx context.Context, payload []byte) error

// entry is one username's cached connection slot: at most one
// physical MessageConnection, plus an in-flight "pending" gate so
// concurrent callers collapse onto a single establish attempt (spec
// §3 "PeerConnectionManager owns the dictionary of per-user futures").
type entry struct {
	mu      sync.Mutex
	mc      *conn.MessageConnection
	err     error
	pending chan struct{}
}

// Manager maintains peer_connections: map<username, shared_future<MessageConnection>>
// (spec §4.4).
type Manager struct {
	log    logger.Logger
	opts   conn.Options
	waiter *waiter.Waiter

	ourUsername  string
	serverWriter ServerWriter
	nextToken    func() uint32

	globalSem *semaphore.Weighted

	mu      sync.Mutex
	entries map[string]*entry

	solicitMu sync.Mutex
	solicit   map[uint32]string // token -> username
}

// Config bundles the construction-time collaborators of a Manager.
type Config struct {
	OurUsername              string
	ServerWriter             ServerWriter
	Waiter                   *waiter.Waiter
	Options                  conn.Options
	Logger                   logger.Logger
	MaxConcurrentConnections int64
	// NextToken dispenses the next solicitation token. Shared with
	// other managers (distributed, transfer) via internal/token so the
	// token space stays client-wide and collision-free.
	NextToken func() uint32
}

// New constructs a Manager per Config (spec §5 "Global peer-connection
// semaphore").
func New(cfg Config) *Manager {
	if cfg.MaxConcurrentConnections <= 0 {
		cfg.MaxConcurrentConnections = 256
	}
	return &Manager{
		log:          cfg.Logger,
		opts:         cfg.Options,
		waiter:       cfg.Waiter,
		ourUsername:  cfg.OurUsername,
		serverWriter: cfg.ServerWriter,
		nextToken:    cfg.NextToken,
		globalSem:    semaphore.NewWeighted(cfg.MaxConcurrentConnections),
		entries:      make(map[string]*entry),
	}
}

// NewReconnectBackOff returns a fresh exponential backoff sequence for
// callers that retry GetOrConnect after both connect strategies fail
// (spec §4.4 "If both fail the peer is considered unreachable").
func NewReconnectBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// GetOrConnect returns the shared, connected MessageConnection for
// username, establishing one via the direct/indirect race if none
// exists or the cached one is no longer connected. Concurrent callers
// for the same username collapse onto a single establish attempt.
func (m *Manager) GetOrConnect(ctx context.Context, username string, endpoint conn.Key) (*conn.MessageConnection, error) {
	e := m.getOrCreateEntry(username)

	e.mu.Lock()
	if e.mc != nil && e.mc.State() == conn.StateConnected {
		mc := e.mc
		e.mu.Unlock()
		return mc, nil
	}
	if e.pending != nil {
		pending := e.pending
		e.mu.Unlock()
		select {
		case <-pending:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		e.mu.Lock()
		mc, err := e.mc, e.err
		e.mu.Unlock()
		return mc, err
	}
	pending := make(chan struct{})
	e.pending = pending
	e.mu.Unlock()

	mc, err := m.establishGated(ctx, username, endpoint, e)

	e.mu.Lock()
	e.mc, e.err = mc, err
	e.pending = nil
	close(pending)
	e.mu.Unlock()

	if err != nil {
		m.removeEntryIfUnchanged(username, e)
	}
	return mc, err
}

func (m *Manager) getOrCreateEntry(username string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[username]
	if !ok {
		e = &entry{}
		m.entries[username] = e
	}
	return e
}

func (m *Manager) removeEntryIfUnchanged(username string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries[username] == e {
		delete(m.entries, username)
	}
}

func (m *Manager) establishGated(ctx context.Context, username string, endpoint conn.Key, e *entry) (*conn.MessageConnection, error) {
	if err := m.globalSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	released := false
	release := func() {
		if !released {
			released = true
			m.globalSem.Release(1)
		}
	}

	mc, err := m.establish(ctx, username, endpoint)
	if err != nil {
		release()
		return nil, err
	}

	m.wireCacheEviction(username, e, mc, release)
	return mc, nil
}

// wireCacheEviction is not a Connection.Handlers hook (those are fixed
// at construction) -- instead it starts a small watcher goroutine that
// waits for disconnect and then releases the global semaphore slot and
// drops the username's cache entry if it still holds mc, matching
// "released when the connection's cache entry is removed" (spec §5).
func (m *Manager) wireCacheEviction(username string, e *entry, mc *conn.MessageConnection, release func()) {
	go func() {
		mc.WaitForDisconnect(context.Background())
		release()
		e.mu.Lock()
		current := e.mc == mc
		e.mu.Unlock()
		if current {
			m.removeEntryIfUnchanged(username, e)
		}
	}()
}

// establish races a direct dial against an indirect (server-solicited)
// connect; the first to succeed wins and the other is cancelled (spec
// §4.4 "Establishing an outbound peer connection").
func (m *Manager) establish(parentCtx context.Context, username string, endpoint conn.Key) (*conn.MessageConnection, error) {
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	var once sync.Once
	var winner *conn.MessageConnection

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		mc, err := m.dialDirect(gctx, username, endpoint)
		if err != nil {
			return err
		}
		once.Do(func() { winner = mc; cancel() })
		return nil
	})
	g.Go(func() error {
		mc, err := m.dialIndirect(gctx, username)
		if err != nil {
			return err
		}
		once.Do(func() { winner = mc; cancel() })
		return nil
	})

	err := g.Wait()
	if winner != nil {
		return winner, nil
	}
	return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, username, err)
}

func (m *Manager) dialDirect(ctx context.Context, username string, endpoint conn.Key) (*conn.MessageConnection, error) {
	mc := conn.NewMessageConnection(codec.ChannelPeer, endpoint, m.opts, m.log, conn.Handlers{})
	if err := mc.Connect(ctx); err != nil {
		return nil, fmt.Errorf("peerconn: direct dial %s: %w", username, err)
	}
	init := codec.PeerInit{
		Username:       m.ourUsername,
		ConnectionType: codec.ConnectionTypePeer,
		Token:          m.nextToken(),
	}
	if err := mc.Write(ctx, init.ToBytes()); err != nil {
		mc.Disconnect("peer init write failed", err)
		return nil, fmt.Errorf("peerconn: direct peer init %s: %w", username, err)
	}
	return mc, nil
}

func (m *Manager) dialIndirect(ctx context.Context, username string) (*conn.MessageConnection, error) {
	token := m.nextToken()
	m.registerSolicitation(token, username)
	defer m.clearSolicitation(token)

	req := codec.ConnectToPeerRequest{Username: username, Type: codec.ConnectionTypePeer, Token: token}
	if err := m.serverWriter(ctx, req.ToBytes()); err != nil {
		return nil, fmt.Errorf("peerconn: indirect solicit %s: %w", username, err)
	}

	key := solicitationKey(username, token)
	valueC, errC := m.waiter.Wait(ctx, key, m.opts.ConnectTimeout)
	select {
	case v := <-valueC:
		nc, ok := v.(net.Conn)
		if !ok {
			return nil, fmt.Errorf("peerconn: indirect wait %s: unexpected value type", username)
		}
		return conn.AdoptSocket(codec.ChannelPeer, nc, m.opts, m.log, conn.Handlers{}), nil
	case err := <-errC:
		return nil, fmt.Errorf("peerconn: indirect wait %s: %w", username, err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func solicitationKey(username string, token uint32) waiter.Key {
	return waiter.NewKey("PierceFirewall", username, strconv.FormatUint(uint64(token), 10))
}

func (m *Manager) registerSolicitation(token uint32, username string) {
	m.solicitMu.Lock()
	defer m.solicitMu.Unlock()
	if m.solicit == nil {
		m.solicit = make(map[uint32]string)
	}
	m.solicit[token] = username
}

func (m *Manager) clearSolicitation(token uint32) {
	m.solicitMu.Lock()
	defer m.solicitMu.Unlock()
	delete(m.solicit, token)
}

func (m *Manager) lookupSolicitation(token uint32) (string, bool) {
	m.solicitMu.Lock()
	defer m.solicitMu.Unlock()
	username, ok := m.solicit[token]
	return username, ok
}

// HandleInboundPeerInit adopts an accepted socket whose first record
// was PeerInit, superseding any previously cached connection for that
// username (spec §4.4 "Inbound unsolicited", §8 invariant 8).
func (m *Manager) HandleInboundPeerInit(init codec.PeerInit, nc net.Conn) *conn.MessageConnection {
	mc := conn.AdoptSocket(codec.ChannelPeer, nc, m.opts, m.log, conn.Handlers{})

	e := m.getOrCreateEntry(init.Username)
	e.mu.Lock()
	old := e.mc
	e.mc = mc
	e.err = nil
	e.mu.Unlock()

	m.wireCacheEviction(init.Username, e, mc, func() {})

	if old != nil && old != mc {
		old.Disconnect("Superseded", ErrSuperseded)
	}
	return mc
}

// DialAndPierce dials endpoint and sends PierceFirewall(token), for
// the case where a server ConnectToPeerNotification tells us we are
// the side that must dial back because the original requester
// couldn't reach us directly (spec GLOSSARY "Indirect connect",
// "Pierce firewall"). The resulting connection is cached and
// supersedes any prior entry for username, exactly like an inbound
// PeerInit (spec §4.4 "Inbound unsolicited").
func (m *Manager) DialAndPierce(ctx context.Context, username string, endpoint conn.Key, token uint32) error {
	mc := conn.NewMessageConnection(codec.ChannelPeer, endpoint, m.opts, m.log, conn.Handlers{})
	if err := mc.Connect(ctx); err != nil {
		return fmt.Errorf("peerconn: dial-and-pierce %s: %w", username, err)
	}
	if err := mc.Write(ctx, codec.PierceFirewall{Token: token}.ToBytes()); err != nil {
		mc.Disconnect("pierce firewall write failed", err)
		return fmt.Errorf("peerconn: dial-and-pierce %s: %w", username, err)
	}

	e := m.getOrCreateEntry(username)
	e.mu.Lock()
	old := e.mc
	e.mc = mc
	e.err = nil
	e.mu.Unlock()
	m.wireCacheEviction(username, e, mc, func() {})

	if old != nil && old != mc {
		old.Disconnect("Superseded", ErrSuperseded)
	}
	return nil
}

// HandleInboundPierceFirewall fulfils the pending indirect-connect
// Waiter entry for pf.Token with the raw socket. It returns
// ErrUnsolicited without touching nc if no solicitation is pending --
// a token unknown to this manager may still belong to another one
// (distributed, transfer), so closing is left to the final caller
// (spec §4.4 "Inbound solicited").
func (m *Manager) HandleInboundPierceFirewall(pf codec.PierceFirewall, nc net.Conn) error {
	username, ok := m.lookupSolicitation(pf.Token)
	if !ok {
		return fmt.Errorf("%w: token %d", ErrUnsolicited, pf.Token)
	}
	m.waiter.Complete(solicitationKey(username, pf.Token), nc)
	return nil
}

// SendAndWait implements the spec §4.4 "Write pattern": register a
// Waiter entry keyed on the expected reply, write the request, then
// await the reply or failure.
func (m *Manager) SendAndWait(ctx context.Context, mc *conn.MessageConnection, key waiter.Key, timeout time.Duration, payload []byte) (interface{}, error) {
	valueC, errC := m.waiter.Wait(ctx, key, timeout)
	if err := mc.Write(ctx, payload); err != nil {
		return nil, err
	}
	select {
	case v := <-valueC:
		return v, nil
	case err := <-errC:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Count returns the current number of cached peer entries, used by
// tests and diagnostics to observe pool size (spec §8 invariant 5).
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Disconnect closes and evicts username's cached connection, if any.
func (m *Manager) Disconnect(username, reason string) {
	m.mu.Lock()
	e, ok := m.entries[username]
	m.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	mc := e.mc
	e.mu.Unlock()
	if mc != nil {
		mc.Disconnect(reason, nil)
	}
}
