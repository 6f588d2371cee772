// Package session owns the single server MessageConnection: login,
// peer-address/solicitation bookkeeping, and dispatch of server-channel
// records to the collaborating managers. It also pumps the current
// distributed parent's record stream once one is selected, since
// DistributedManager tracks topology but does not read traffic itself
// (spec §4.5 "Broadcasting"). Grounded on the teacher's session/run.go
// event loop, rewired from a torrent's many command channels onto a
// single Records() dispatch switch the way internal/transfer's Router
// already does for peer connections.
package session

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/soulseek-go/slsk/internal/codec"
	"github.com/soulseek-go/slsk/internal/conn"
	"github.com/soulseek-go/slsk/internal/distributed"
	"github.com/soulseek-go/slsk/internal/logger"
	"github.com/soulseek-go/slsk/internal/peerconn"
	"github.com/soulseek-go/slsk/internal/waiter"
)

// clientVersion is the protocol version advertised in LoginRequest,
// matching the last widely-deployed official client generation.
const clientVersion = 157

// Hooks lets the façade observe server-originated events this package
// does not own the response to.
type Hooks struct {
	// OnDistributedSearchRequest fires for every search flooded down
	// from our parent (after it has already been rebroadcast to our
	// children), so the façade can resolve it against the local share.
	OnDistributedSearchRequest func(username string, token uint32, query string)
	// OnServerSearchRequest is never invoked by Session: search
	// requests that arrive directly from the server rather than via
	// the distributed tree are not dispatched to any hook.
	OnServerSearchRequest func(username string, token uint32, query string)
	// OnFileTransferConnectBack fires when the server tells us we must
	// dial a peer back for a file-transfer connection they could not
	// reach directly (spec GLOSSARY "Indirect connect" applied to
	// connection type "F"); the façade owns internal/transfer, so the
	// dial-and-pierce itself happens there.
	OnFileTransferConnectBack func(username string, endpoint conn.Key, token uint32)
	// OnSearchResultWanted fires when a distributed search from our
	// parent should be answered against the local share; returning ok==false
	// means no match and nothing is sent back.
	OnSearchResultWanted func(username string, token uint32, query string) (codec.SearchResponse, bool)
}

// Config bundles a Session's construction-time collaborators.
type Config struct {
	Address     string
	Port        int
	Options     conn.Options
	Waiter      *waiter.Waiter
	PeerConns   *peerconn.Manager
	Distributed *distributed.Manager
	Logger      logger.Logger
	Hooks       Hooks
}

// Session owns the server connection and the parent-pump goroutine.
type Session struct {
	cfg    Config
	mc     *conn.MessageConnection
	log    logger.Logger
	waiter *waiter.Waiter

	mu        sync.RWMutex
	loggedIn  bool
	ourIP     net.IP
	listenPort uint32
}

// New constructs a Session. Connect must be called before Login.
func New(cfg Config) *Session {
	return &Session{cfg: cfg, log: cfg.Logger, waiter: cfg.Waiter}
}

// Connect dials the server and starts the dispatch loop.
func (s *Session) Connect(ctx context.Context) error {
	s.mc = conn.NewMessageConnection(codec.ChannelServer, conn.Key{Address: s.cfg.Address, Port: s.cfg.Port}, s.cfg.Options, s.log, conn.Handlers{})
	if err := s.mc.Connect(ctx); err != nil {
		return fmt.Errorf("session: connect: %w", err)
	}
	go s.run()
	return nil
}

// Write implements the ServerWriter signature every manager
// (peerconn, distributed, transfer) takes as a collaborator.
func (s *Session) Write(ctx context.Context, payload []byte) error {
	return s.mc.Write(ctx, payload)
}

// SetPeerConns wires the PeerConnectionManager in after construction,
// breaking the construction cycle: peerconn.New needs this Session's
// Write method as its ServerWriter, so this Session cannot take a
// *peerconn.Manager as a constructor argument. Must be called before
// Connect.
func (s *Session) SetPeerConns(m *peerconn.Manager) { s.cfg.PeerConns = m }

// SetDistributed wires the DistributedManager in after construction,
// for the same reason as SetPeerConns.
func (s *Session) SetDistributed(m *distributed.Manager) { s.cfg.Distributed = m }

// IsLoggedIn reports whether Login has completed successfully,
// consulted by DistributedManager's watchdog before it requests a
// fresh parent candidate list.
func (s *Session) IsLoggedIn() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loggedIn
}

// OurIP returns the address the server observed us connecting from,
// valid once Login has succeeded.
func (s *Session) OurIP() net.IP {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ourIP
}

func loginKey() waiter.Key { return waiter.NewKey("LoginResponse") }

// Login performs the spec §8 scenario-1 round-trip: send LoginRequest,
// await LoginResponse, fail the caller with the server's reason string
// on rejection.
func (s *Session) Login(ctx context.Context, username, password string) error {
	sum := md5.Sum([]byte(username + password))
	hash := hex.EncodeToString(sum[:])
	req := codec.LoginRequest{
		Username:        username,
		PasswordMD5Hash: hash,
		Version:         clientVersion,
		HashPlusVersion: hash,
		MinorVersion:    1,
	}
	valueC, errC := s.waiter.Wait(ctx, loginKey(), 0)
	if err := s.mc.Write(ctx, req.ToBytes()); err != nil {
		return fmt.Errorf("session: login write: %w", err)
	}
	select {
	case v := <-valueC:
		resp, ok := v.(codec.LoginResponse)
		if !ok {
			return fmt.Errorf("session: login: unexpected reply type")
		}
		if !resp.Success {
			return fmt.Errorf("%w: %s", ErrLoginFailed, resp.Reason)
		}
		s.mu.Lock()
		s.loggedIn = true
		s.ourIP = resp.IP
		s.mu.Unlock()
		return nil
	case err := <-errC:
		return fmt.Errorf("session: login: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetListenPort advertises our inbound listener port to the server, a
// prerequisite for other users being able to connect to us directly.
func (s *Session) SetListenPort(ctx context.Context, port int) error {
	s.mu.Lock()
	s.listenPort = uint32(port)
	s.mu.Unlock()
	return s.mc.Write(ctx, codec.SetListenPort{Port: uint32(port)}.ToBytes())
}

func peerAddressKey(username string) waiter.Key {
	return waiter.NewKey("GetPeerAddress", username)
}

// ResolveEndpoint asks the server for username's advertised (ip, port),
// used by orchestrators before dialing a peer for the first time.
func (s *Session) ResolveEndpoint(ctx context.Context, username string) (conn.Key, error) {
	valueC, errC := s.waiter.Wait(ctx, peerAddressKey(username), 0)
	req := codec.GetPeerAddressRequest{Username: username}
	if err := s.mc.Write(ctx, req.ToBytes()); err != nil {
		return conn.Key{}, fmt.Errorf("session: get peer address: %w", err)
	}
	select {
	case v := <-valueC:
		resp, ok := v.(codec.GetPeerAddressResponse)
		if !ok {
			return conn.Key{}, fmt.Errorf("session: get peer address: unexpected reply type")
		}
		return conn.Key{Address: resp.IP.String(), Port: int(resp.Port)}, nil
	case err := <-errC:
		return conn.Key{}, fmt.Errorf("session: get peer address: %w", err)
	case <-ctx.Done():
		return conn.Key{}, ctx.Err()
	}
}

// Search issues a server-broadcast file search under token (spec §6
// "FileSearch").
func (s *Session) Search(ctx context.Context, token uint32, query string) error {
	return s.mc.Write(ctx, codec.FileSearchRequest{Token: token, Query: query}.ToBytes())
}

// run dispatches every server-channel record until the connection
// closes, then tears down anything this session owns.
func (s *Session) run() {
	for rec := range s.mc.Records() {
		r, err := codec.NewMessageReader(codec.ChannelServer, rec.Body)
		if err != nil {
			s.log.Debugf("session: malformed server record: %v", err)
			continue
		}
		s.dispatch(r)
	}
	s.mu.Lock()
	s.loggedIn = false
	s.mu.Unlock()
}

func (s *Session) dispatch(r *codec.MessageReader) {
	switch codec.ServerCode(r.Opcode) {
	case codec.ServerLogin:
		if resp, err := codec.ParseLoginResponse(r); err == nil {
			s.waiter.Complete(loginKey(), resp)
		}
	case codec.ServerGetPeerAddress:
		if resp, err := codec.ParseGetPeerAddressResponse(r); err == nil {
			s.waiter.Complete(peerAddressKey(resp.Username), resp)
		}
	case codec.ServerConnectToPeer:
		if note, err := codec.ParseConnectToPeerNotification(r); err == nil {
			go s.handleConnectToPeer(note)
		}
	case codec.ServerNetInfo:
		if info, err := codec.ParseNetInfo(r); err == nil {
			go s.selectParentAndPump(info.Candidates)
		}
	default:
		// Chat, rooms, privileges, and other server opcodes are outside
		// this core's scope (spec §1 "out of scope" collaborators).
	}
}

func (s *Session) handleConnectToPeer(n codec.ConnectToPeerNotification) {
	endpoint := conn.Key{Address: n.IP.String(), Port: int(n.Port)}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Options.ConnectTimeout)
	defer cancel()

	switch n.Type {
	case codec.ConnectionTypePeer:
		if s.cfg.PeerConns == nil {
			return
		}
		if err := s.cfg.PeerConns.DialAndPierce(ctx, n.Username, endpoint, n.Token); err != nil {
			s.log.Debugf("session: dial-and-pierce peer %s: %v", n.Username, err)
		}
	case codec.ConnectionTypeDistributed:
		if s.cfg.Distributed == nil {
			return
		}
		if err := s.cfg.Distributed.DialChild(ctx, n.Username, endpoint, n.Token); err != nil {
			s.log.Debugf("session: dial child %s: %v", n.Username, err)
		}
	case codec.ConnectionTypeFileTransfer:
		if s.cfg.Hooks.OnFileTransferConnectBack != nil {
			s.cfg.Hooks.OnFileTransferConnectBack(n.Username, endpoint, n.Token)
		}
	}
}

// selectParentAndPump runs DistributedManager's candidate race and, on
// success, continuously reads the winning parent connection until it
// closes (spec §4.5 "Parent selection").
func (s *Session) selectParentAndPump(candidates []codec.ParentCandidate) {
	if s.cfg.Distributed == nil || len(candidates) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.cfg.Distributed.SelectParent(ctx, candidates); err != nil {
		s.log.Debugf("session: parent selection failed: %v", err)
		return
	}
	mc, ok := s.cfg.Distributed.ParentConnection()
	if !ok {
		return
	}
	s.pumpParent(mc)
}

func (s *Session) pumpParent(mc *conn.MessageConnection) {
	for rec := range mc.Records() {
		r, err := codec.NewMessageReader(codec.ChannelDistributed, rec.Body)
		if err != nil {
			continue
		}
		switch codec.DistributedCode(r.Opcode) {
		case codec.DistributedCodeBranchLevel, codec.DistributedCodeBranchRoot, codec.DistributedCodeChildDepth:
			s.cfg.Distributed.Broadcast(context.Background(), rec.Body)
		case codec.DistributedCodeSearchRequest:
			s.cfg.Distributed.Broadcast(context.Background(), rec.Body)
			req, err := codec.ParseDistributedSearchRequest(r)
			if err != nil {
				continue
			}
			if s.cfg.Hooks.OnDistributedSearchRequest != nil {
				s.cfg.Hooks.OnDistributedSearchRequest(req.Username, req.Token, req.Query)
			}
			s.answerSearch(req.Username, req.Token, req.Query)
		}
	}
	s.cfg.Distributed.LoseParent()
}

func (s *Session) answerSearch(username string, token uint32, query string) {
	if s.cfg.Hooks.OnSearchResultWanted == nil {
		return
	}
	resp, ok := s.cfg.Hooks.OnSearchResultWanted(username, token, query)
	if !ok {
		return
	}
	resp.Username = username
	resp.Token = token
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Options.ConnectTimeout)
	defer cancel()
	mc, err := s.cfg.PeerConns.GetOrConnect(ctx, username, conn.Key{})
	if err != nil {
		s.log.Debugf("session: search reply dial %s: %v", username, err)
		return
	}
	payload, err := resp.ToBytes()
	if err != nil {
		s.log.Debugf("session: search reply encode: %v", err)
		return
	}
	if err := mc.Write(ctx, payload); err != nil {
		s.log.Debugf("session: search reply write %s: %v", username, err)
	}
}
