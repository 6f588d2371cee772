// Package distributed implements the client's position in the
// server-rooted search-flooding tree: parent selection, child
// admission, broadcast, and debounced status reporting (spec §4.5).
package distributed

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/soulseek-go/slsk/internal/codec"
	"github.com/soulseek-go/slsk/internal/conn"
	"github.com/soulseek-go/slsk/internal/logger"
	"github.com/soulseek-go/slsk/internal/waiter"
)

// ServerWriter writes a raw frame to the server connection.
type ServerWriter func(ctx context.Context, payload []byte) error

// Status is the fixed-layout payload reported to the server whenever
// topology changes (spec §4.5 "Status updates", §8 invariant 7).
type Status struct {
	HaveNoParents  bool
	ParentsIP      net.IP
	BranchLevel    int32
	BranchRoot     string
	ChildDepth     uint32
	AcceptChildren bool
}

func (s Status) hash() [32]byte {
	ip := "-"
	if s.ParentsIP != nil {
		ip = s.ParentsIP.String()
	}
	return sha256.Sum256([]byte(fmt.Sprintf("%v|%s|%d|%s|%d|%v",
		s.HaveNoParents, ip, s.BranchLevel, s.BranchRoot, s.ChildDepth, s.AcceptChildren)))
}

func (s Status) frames() [][]byte {
	return [][]byte{
		codec.HaveNoParents{Value: s.HaveNoParents}.ToBytes(),
		codec.ParentsIP{IP: orZeroIP(s.ParentsIP)}.ToBytes(),
		codec.ServerBranchLevelMessage{Level: s.BranchLevel}.ToBytes(),
		codec.ServerBranchRootMessage{Username: s.BranchRoot}.ToBytes(),
		codec.ChildDepth{Depth: s.ChildDepth}.ToBytes(),
		codec.AcceptChildren{Value: s.AcceptChildren}.ToBytes(),
	}
}

func orZeroIP(ip net.IP) net.IP {
	if ip == nil {
		return net.IPv4zero
	}
	return ip
}

type peerLink struct {
	username string
	endpoint conn.Key
	mc       *conn.MessageConnection
}

// Config bundles the construction-time collaborators of a Manager.
type Config struct {
	OurUsername    string
	ServerWriter   ServerWriter
	Waiter         *waiter.Waiter
	Options        conn.Options
	Logger         logger.Logger
	ChildLimit     int
	AcceptChildren bool
	Enabled        bool
	IsLoggedIn     func() bool
	// NextToken dispenses the next solicitation token, shared
	// client-wide via internal/token (see peerconn.Config.NextToken).
	NextToken func() uint32
}

// Manager owns at most one parent connection and up to childLimit
// child connections (spec §3 "DistributedManager").
type Manager struct {
	log          logger.Logger
	opts         conn.Options
	waiter       *waiter.Waiter
	serverWriter ServerWriter
	ourUsername  string
	isLoggedIn   func() bool
	nextToken    func() uint32

	mu             sync.Mutex
	enabled        bool
	acceptChildren bool
	childLimit     int
	parent         *peerLink
	branchLevel    int32
	branchRoot     string
	children       map[string]*peerLink

	solicitMu sync.Mutex
	solicit   map[uint32]string // token -> child username we expect to pierce back

	statusMu       sync.Mutex
	lastStatusHash [32]byte
	lastStatusSent time.Time
	debounce       *time.Timer

	stopC chan struct{}
	doneC chan struct{}
}

// New constructs a Manager and starts its 15-minute watchdog (spec
// §4.5 "Watchdog").
func New(cfg Config) *Manager {
	if cfg.ChildLimit <= 0 {
		cfg.ChildLimit = 10
	}
	if cfg.IsLoggedIn == nil {
		cfg.IsLoggedIn = func() bool { return true }
	}
	m := &Manager{
		log:            cfg.Logger,
		opts:           cfg.Options,
		waiter:         cfg.Waiter,
		serverWriter:   cfg.ServerWriter,
		ourUsername:    cfg.OurUsername,
		isLoggedIn:     cfg.IsLoggedIn,
		nextToken:      cfg.NextToken,
		enabled:        cfg.Enabled,
		acceptChildren: cfg.AcceptChildren,
		childLimit:     cfg.ChildLimit,
		branchRoot:     cfg.OurUsername,
		children:       make(map[string]*peerLink),
		stopC:          make(chan struct{}),
		doneC:          make(chan struct{}),
	}
	go m.watchdog()
	return m
}

// Close stops the watchdog goroutine.
func (m *Manager) Close() {
	close(m.stopC)
	<-m.doneC
}

// HasParent reports whether a parent connection is currently adopted.
func (m *Manager) HasParent() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.parent != nil
}

// BranchLevel and BranchRoot report the effective topology values
// children are told (spec §3 "Invariant").
func (m *Manager) BranchLevel() int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.branchLevel
}

func (m *Manager) BranchRoot() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.branchRoot
}

func (m *Manager) ChildCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.children)
}

// SelectParent opens every candidate concurrently, keeps the one
// reporting the lowest branch level, and closes the rest with reason
// "Not selected" (spec §4.5 "Parent selection").
func (m *Manager) SelectParent(parentCtx context.Context, candidates []codec.ParentCandidate) error {
	if len(candidates) == 0 {
		return ErrNoCandidates
	}
	ctx, cancel := context.WithTimeout(parentCtx, m.candidateTimeout())
	defer cancel()

	type outcome struct {
		link  *peerLink
		level int32
		root  string
	}

	resultC := make(chan outcome, len(candidates))
	var wg sync.WaitGroup
	for _, c := range candidates {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			link, level, root, err := m.evaluateCandidate(ctx, c)
			if err != nil {
				m.log.Debugf("distributed: candidate %s failed: %v", c.Username, err)
				return
			}
			resultC <- outcome{link, level, root}
		}()
	}
	go func() { wg.Wait(); close(resultC) }()

	var best *outcome
	var all []outcome
	for o := range resultC {
		o := o
		all = append(all, o)
		if best == nil || o.level < best.level {
			best = &o
		}
	}
	if best == nil {
		return ErrNoCandidates
	}
	for _, o := range all {
		if o.link != best.link {
			o.link.mc.Disconnect("Not selected", nil)
		}
	}

	root := best.root
	if best.level == 0 {
		root = best.link.username
	}
	m.adoptParent(best.link, best.level, root)
	return nil
}

func (m *Manager) candidateTimeout() time.Duration {
	if m.opts.ConnectTimeout > 0 {
		return 3 * m.opts.ConnectTimeout
	}
	return 30 * time.Second
}

// evaluateCandidate dials a candidate (direct, falling back to
// indirect) and watches its own Records() stream directly -- this
// connection is exclusively owned by the selection race until a
// winner is chosen, so there is no other consumer to hand frames to
// via the Waiter.
func (m *Manager) evaluateCandidate(ctx context.Context, c codec.ParentCandidate) (*peerLink, int32, string, error) {
	endpoint := conn.Key{Address: c.IP.String(), Port: int(c.Port)}
	mc, err := m.dialRace(ctx, c.Username, endpoint)
	if err != nil {
		return nil, 0, "", err
	}
	link := &peerLink{username: c.Username, endpoint: endpoint, mc: mc}

	var level int32
	var root string
	haveLevel, haveSearch := false, false
	for !(haveLevel && haveSearch) {
		select {
		case rec, ok := <-mc.Records():
			if !ok {
				mc.Disconnect("candidate stream closed", nil)
				return nil, 0, "", fmt.Errorf("distributed: %s: stream closed before ready", c.Username)
			}
			r, err := codec.NewMessageReader(codec.ChannelDistributed, rec.Body)
			if err != nil {
				continue
			}
			switch codec.DistributedCode(r.Opcode) {
			case codec.DistributedCodeBranchLevel:
				if lv, err := codec.ParseDistributedBranchLevelMessage(r); err == nil {
					level = lv.Level
					haveLevel = true
				}
			case codec.DistributedCodeBranchRoot:
				if rt, err := codec.ParseDistributedBranchRootMessage(r); err == nil {
					root = rt.Username
				}
			case codec.DistributedCodeSearchRequest:
				if _, err := codec.ParseDistributedSearchRequest(r); err == nil {
					haveSearch = true
				}
			}
		case <-ctx.Done():
			mc.Disconnect("candidate evaluation timed out", ctx.Err())
			return nil, 0, "", ctx.Err()
		}
	}
	return link, level, root, nil
}

func (m *Manager) dialRace(parentCtx context.Context, username string, endpoint conn.Key) (*conn.MessageConnection, error) {
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
	return nil, fmt.Errorf("distributed: %s unreachable: %w", username, err)
}

func (m *Manager) dialDirect(ctx context.Context, username string, endpoint conn.Key) (*conn.MessageConnection, error) {
	mc := conn.NewMessageConnection(codec.ChannelDistributed, endpoint, m.opts, m.log, conn.Handlers{})
	if err := mc.Connect(ctx); err != nil {
		return nil, err
	}
	init := codec.PeerInit{Username: m.ourUsername, ConnectionType: codec.ConnectionTypeDistributed, Token: m.nextToken()}
	if err := mc.Write(ctx, init.ToBytes()); err != nil {
		mc.Disconnect("distributed peer init failed", err)
		return nil, err
	}
	return mc, nil
}

func (m *Manager) dialIndirect(ctx context.Context, username string) (*conn.MessageConnection, error) {
	token := m.nextToken()
	m.registerSolicitation(token, username)
	defer m.clearSolicitation(token)

	req := codec.ConnectToPeerRequest{Username: username, Type: codec.ConnectionTypeDistributed, Token: token}
	if err := m.serverWriter(ctx, req.ToBytes()); err != nil {
		return nil, err
	}
	key := solicitationKey(username, token)
	valueC, errC := m.waiter.Wait(ctx, key, m.opts.ConnectTimeout)
	select {
	case v := <-valueC:
		nc, ok := v.(net.Conn)
		if !ok {
			return nil, fmt.Errorf("distributed: %s: unexpected solicitation value", username)
		}
		return conn.AdoptSocket(codec.ChannelDistributed, nc, m.opts, m.log, conn.Handlers{}), nil
	case err := <-errC:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func solicitationKey(username string, token uint32) waiter.Key {
	return waiter.NewKey("DistributedPierceFirewall", username, strconv.FormatUint(uint64(token), 10))
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

// HandleInboundPierceFirewall fulfils a pending indirect parent-candidate
// dial's Waiter entry with the raw socket. As with peerconn's version,
// an unknown token here is left untouched (not closed) since it may
// belong to another manager; the final caller decides (spec §4.4
// "Inbound solicited", reused here for distributed's own indirect
// dial strategy).
func (m *Manager) HandleInboundPierceFirewall(pf codec.PierceFirewall, nc net.Conn) error {
	m.solicitMu.Lock()
	username, ok := m.solicit[pf.Token]
	m.solicitMu.Unlock()
	if !ok {
		return fmt.Errorf("distributed: pierce firewall for unknown token %d", pf.Token)
	}
	m.waiter.Complete(solicitationKey(username, pf.Token), nc)
	return nil
}

func (m *Manager) adoptParent(link *peerLink, level int32, root string) {
	m.mu.Lock()
	old := m.parent
	m.parent = link
	m.branchLevel = level + 1
	m.branchRoot = root
	m.mu.Unlock()

	if old != nil && old.mc != link.mc {
		old.mc.Disconnect("parent replaced", nil)
	}
	m.scheduleStatus(false)
}

// ParentConnection returns the current parent's MessageConnection, if
// any, for a caller (the session layer) that needs to pump its
// Records() stream and rebroadcast/resolve what it carries -- the
// manager itself only tracks topology, it does not read the parent's
// ongoing traffic (spec §4.5 "Broadcasting").
func (m *Manager) ParentConnection() (*conn.MessageConnection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.parent == nil {
		return nil, false
	}
	return m.parent.mc, true
}

// LoseParent is called when the parent connection disconnects: it
// resets branch level/root to our own identity (spec §3 "Invariant")
// and schedules an immediate status update.
func (m *Manager) LoseParent() {
	m.mu.Lock()
	m.parent = nil
	m.branchLevel = 0
	m.branchRoot = m.ourUsername
	m.mu.Unlock()
	m.scheduleStatus(true)
}

// AdmitChild handles an inbound PeerInit with ConnectionType Distributed,
// superseding any cached entry for that username (spec §4.5 "Child
// admission").
func (m *Manager) AdmitChild(init codec.PeerInit, nc net.Conn) (*conn.MessageConnection, error) {
	m.mu.Lock()
	enabled, acceptChildren, hasParent := m.enabled, m.acceptChildren, m.parent != nil
	atLimit := len(m.children) >= m.childLimit
	old := m.children[init.Username]
	m.mu.Unlock()

	switch {
	case !enabled || !acceptChildren:
		nc.Close()
		return nil, ErrChildrenDisabled
	case !hasParent:
		nc.Close()
		return nil, ErrNoParent
	case atLimit:
		nc.Close()
		return nil, ErrChildLimitReached
	}

	mc := conn.AdoptSocket(codec.ChannelDistributed, nc, m.opts, m.log, conn.Handlers{})
	link := &peerLink{username: init.Username, mc: mc}

	m.mu.Lock()
	m.children[init.Username] = link
	m.mu.Unlock()

	if old != nil && old.mc != mc {
		old.mc.Disconnect("Superseded", nil)
	}
	m.scheduleStatus(false)
	return mc, nil
}

// DialChild opens an outbound child connection in response to a
// server ConnectToPeer of type Distributed, pierces the firewall, and
// writes current branch info. It never supersedes: if a connection
// already exists for the user the new attempt is abandoned (spec §4.5
// "An outbound child connection... does not supersede").
func (m *Manager) DialChild(ctx context.Context, username string, endpoint conn.Key, token uint32) error {
	m.mu.Lock()
	_, exists := m.children[username]
	m.mu.Unlock()
	if exists {
		return nil
	}

	mc := conn.NewMessageConnection(codec.ChannelDistributed, endpoint, m.opts, m.log, conn.Handlers{})
	if err := mc.Connect(ctx); err != nil {
		return err
	}
	if err := mc.Write(ctx, codec.PierceFirewall{Token: token}.ToBytes()); err != nil {
		mc.Disconnect("pierce firewall write failed", err)
		return err
	}

	m.mu.Lock()
	if _, exists := m.children[username]; exists {
		m.mu.Unlock()
		mc.Disconnect("abandoned: already have a child connection", nil)
		return nil
	}
	level, root := m.branchLevel, m.branchRoot
	m.children[username] = &peerLink{username: username, endpoint: endpoint, mc: mc}
	m.mu.Unlock()

	if err := mc.Write(ctx, codec.DistributedBranchLevelMessage{Level: level}.ToBytes()); err != nil {
		return err
	}
	if err := mc.Write(ctx, codec.DistributedBranchRootMessage{Username: root}.ToBytes()); err != nil {
		return err
	}
	m.scheduleStatus(false)
	return nil
}

// RemoveChild drops username from the children map, e.g. after its
// connection disconnects.
func (m *Manager) RemoveChild(username string) {
	m.mu.Lock()
	delete(m.children, username)
	m.mu.Unlock()
	m.scheduleStatus(false)
}

// Broadcast rebroadcasts payload (a BranchLevel, BranchRoot, or
// SearchRequest frame received from the parent) to every child
// concurrently. A failing child is disposed but does not abort the
// broadcast (spec §4.5 "Broadcasting").
func (m *Manager) Broadcast(ctx context.Context, payload []byte) {
	m.mu.Lock()
	links := make([]*peerLink, 0, len(m.children))
	for _, c := range m.children {
		links = append(links, c)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, link := range links {
		link := link
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := link.mc.Write(ctx, payload); err != nil {
				m.log.Warnf("distributed: broadcast to %s failed: %v", link.username, err)
				m.RemoveChild(link.username)
			}
		}()
	}
	wg.Wait()
}

// currentStatus computes the fixed-layout payload (spec §4.5 "Status
// updates", §8 invariant 7: pure function of topology state).
func (m *Manager) currentStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	var parentIP net.IP
	if m.parent != nil {
		parentIP = net.ParseIP(m.parent.endpoint.Address)
	}
	return Status{
		HaveNoParents:  m.parent == nil,
		ParentsIP:      parentIP,
		BranchLevel:    m.branchLevel,
		BranchRoot:     m.branchRoot,
		ChildDepth:     uint32(len(m.children)),
		AcceptChildren: m.acceptChildren,
	}
}

// scheduleStatus debounces topology-change status writes: bursts
// within 5 seconds collapse to one trailing send, unless the last send
// is older than 5 minutes or immediate is requested, in which case it
// fires right away (spec §4.5 "Status updates").
func (m *Manager) scheduleStatus(immediate bool) {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()

	stale := time.Since(m.lastStatusSent) > 5*time.Minute
	if immediate || stale {
		if m.debounce != nil {
			m.debounce.Stop()
			m.debounce = nil
		}
		go m.sendStatus()
		return
	}
	if m.debounce != nil {
		return
	}
	m.debounce = time.AfterFunc(5*time.Second, func() {
		m.statusMu.Lock()
		m.debounce = nil
		m.statusMu.Unlock()
		m.sendStatus()
	})
}

func (m *Manager) sendStatus() {
	status := m.currentStatus()
	hash := status.hash()

	m.statusMu.Lock()
	unchanged := hash == m.lastStatusHash && !status.HaveNoParents
	m.statusMu.Unlock()
	if unchanged {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, frame := range status.frames() {
		if err := m.serverWriter(ctx, frame); err != nil {
			m.log.Warnf("distributed: status write failed: %v", err)
			return
		}
	}

	m.statusMu.Lock()
	m.lastStatusHash = hash
	m.lastStatusSent = time.Now()
	m.statusMu.Unlock()
}

// watchdog fires every 15 minutes; if distributed networking is
// enabled, we believe ourselves logged in, and we have no parent, it
// requests a fresh candidate list by forcing a status send with
// HaveNoParents=true (spec §4.5 "Watchdog").
func (m *Manager) watchdog() {
	defer close(m.doneC)
	ticker := time.NewTicker(15 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopC:
			return
		case <-ticker.C:
			m.mu.Lock()
			needsParent := m.enabled && m.parent == nil
			m.mu.Unlock()
			if needsParent && m.isLoggedIn() {
				m.scheduleStatus(true)
			}
		}
	}
}
