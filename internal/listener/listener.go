// Package listener accepts inbound TCP connections, classifies their
// opening record (PeerInit vs PierceFirewall), and routes them to the
// right manager (spec §3 "ListenerHandler", §4.4, §4.5).
package listener

import (
	"fmt"
	"net"

	"github.com/soulseek-go/slsk/internal/codec"
	"github.com/soulseek-go/slsk/internal/conn"
	"github.com/soulseek-go/slsk/internal/distributed"
	"github.com/soulseek-go/slsk/internal/logger"
	"github.com/soulseek-go/slsk/internal/peerconn"
)

// TransferAcceptor hands a raw inbound file-transfer socket (PeerInit
// type "F", or a PierceFirewall claimed by no other manager) to the
// transfer layer.
type TransferAcceptor func(nc net.Conn, connType codec.ConnectionType, pierceToken uint32)

// PeerConnectionObserver is told about every peer message connection
// this listener accepts unsolicited (PeerInit with the default "P"
// type), so the façade can start that connection's Router exactly as
// it does for ones it dialed out itself (spec §4.3 "one Router per
// peer connection").
type PeerConnectionObserver func(username string, mc *conn.MessageConnection)

// Handler owns the listening socket and the accept loop.
type Handler struct {
	log            logger.Logger
	ln             net.Listener
	peerConns      *peerconn.Manager
	distributed    *distributed.Manager
	acceptTransfer TransferAcceptor
	onPeerConn     PeerConnectionObserver

	stopC chan struct{}
}

// Listen binds address:port and returns a Handler ready to Serve. A
// bind failure surfaces here rather than silently disabling inbound
// connections (spec §7 "User-visible behaviour").
func Listen(address string, port int, peerConns *peerconn.Manager, dist *distributed.Manager, acceptTransfer TransferAcceptor, onPeerConn PeerConnectionObserver, log logger.Logger) (*Handler, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", address, port))
	if err != nil {
		return nil, fmt.Errorf("listener: bind %s:%d: %w", address, port, err)
	}
	return New(ln, peerConns, dist, acceptTransfer, onPeerConn, log), nil
}

// New wraps an already-bound listener (e.g. for tests that use a
// loopback listener with an OS-assigned port).
func New(ln net.Listener, peerConns *peerconn.Manager, dist *distributed.Manager, acceptTransfer TransferAcceptor, onPeerConn PeerConnectionObserver, log logger.Logger) *Handler {
	return &Handler{
		log:            log,
		ln:             ln,
		peerConns:      peerConns,
		distributed:    dist,
		acceptTransfer: acceptTransfer,
		onPeerConn:     onPeerConn,
		stopC:          make(chan struct{}),
	}
}

// Addr returns the bound address, e.g. to tell the server our
// advertised listen port.
func (h *Handler) Addr() net.Addr { return h.ln.Addr() }

// Serve accepts connections until Close is called.
func (h *Handler) Serve() {
	for {
		nc, err := h.ln.Accept()
		if err != nil {
			select {
			case <-h.stopC:
				return
			default:
			}
			h.log.Warnf("listener: accept error: %v", err)
			continue
		}
		go h.handle(nc)
	}
}

// Close stops accepting new connections.
func (h *Handler) Close() error {
	close(h.stopC)
	return h.ln.Close()
}

func (h *Handler) handle(nc net.Conn) {
	body, err := codec.ReadFrame(nc)
	if err != nil {
		h.log.Debugf("listener: %s: opening frame read failed: %v", nc.RemoteAddr(), err)
		nc.Close()
		return
	}
	r, err := codec.NewMessageReader(codec.ChannelPeerInit, body)
	if err != nil {
		h.log.Debugf("listener: %s: opening frame malformed: %v", nc.RemoteAddr(), err)
		nc.Close()
		return
	}

	switch codec.PeerInitCode(r.Opcode) {
	case codec.PeerInitPeerInit:
		init, err := codec.ParsePeerInit(r)
		if err != nil {
			nc.Close()
			return
		}
		h.routePeerInit(init, nc)
	case codec.PeerInitPierceFirewall:
		pf, err := codec.ParsePierceFirewall(r)
		if err != nil {
			nc.Close()
			return
		}
		h.routePierceFirewall(pf, nc)
	default:
		nc.Close()
	}
}

func (h *Handler) routePeerInit(init codec.PeerInit, nc net.Conn) {
	switch init.ConnectionType {
	case codec.ConnectionTypeDistributed:
		if h.distributed == nil {
			nc.Close()
			return
		}
		if _, err := h.distributed.AdmitChild(init, nc); err != nil {
			h.log.Debugf("listener: distributed child from %s rejected: %v", init.Username, err)
		}
	case codec.ConnectionTypeFileTransfer:
		if h.acceptTransfer == nil {
			nc.Close()
			return
		}
		h.acceptTransfer(nc, init.ConnectionType, init.Token)
	default:
		if h.peerConns == nil {
			nc.Close()
			return
		}
		mc := h.peerConns.HandleInboundPeerInit(init, nc)
		if mc != nil && h.onPeerConn != nil {
			h.onPeerConn(init.Username, mc)
		}
	}
}

// routePierceFirewall tries each manager's solicitation table in turn;
// the first to recognise the token claims the socket. If none do, it
// falls back to the transfer acceptor (direct transfer connections
// also pierce the firewall), else closes it.
func (h *Handler) routePierceFirewall(pf codec.PierceFirewall, nc net.Conn) {
	if h.peerConns != nil {
		if err := h.peerConns.HandleInboundPierceFirewall(pf, nc); err == nil {
			return
		}
	}
	if h.distributed != nil {
		if err := h.distributed.HandleInboundPierceFirewall(pf, nc); err == nil {
			return
		}
	}
	if h.acceptTransfer != nil {
		h.acceptTransfer(nc, "", pf.Token)
		return
	}
	h.log.Debugf("listener: pierce firewall for unclaimed token %d", pf.Token)
	nc.Close()
}
