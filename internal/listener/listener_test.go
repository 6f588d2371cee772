package listener

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soulseek-go/slsk/internal/codec"
	"github.com/soulseek-go/slsk/internal/conn"
	"github.com/soulseek-go/slsk/internal/distributed"
	"github.com/soulseek-go/slsk/internal/logger"
	"github.com/soulseek-go/slsk/internal/peerconn"
	"github.com/soulseek-go/slsk/internal/token"
	"github.com/soulseek-go/slsk/internal/waiter"
)

func newTestHandler(t *testing.T, acceptTransfer TransferAcceptor) (*Handler, *peerconn.Manager, *distributed.Manager) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	w := waiter.New(2 * time.Second)
	t.Cleanup(w.Close)
	tok := token.NewSource(0)

	pc := peerconn.New(peerconn.Config{
		OurUsername:  "me",
		ServerWriter: func(ctx context.Context, payload []byte) error { return nil },
		Waiter:       w,
		Options:      conn.DefaultOptions,
		Logger:       logger.New("test"),
		NextToken:    tok.Next,
	})

	dm := distributed.New(distributed.Config{
		OurUsername:  "me",
		ServerWriter: func(ctx context.Context, payload []byte) error { return nil },
		Waiter:       w,
		Options:      conn.DefaultOptions,
		Logger:       logger.New("test"),
		NextToken:    tok.Next,
	})
	t.Cleanup(dm.Close)

	h := New(ln, pc, dm, acceptTransfer, nil, logger.New("test"))
	go h.Serve()
	t.Cleanup(func() { h.Close() })
	return h, pc, dm
}

func dial(t *testing.T, h *Handler) net.Conn {
	t.Helper()
	nc, err := net.Dial("tcp", h.Addr().String())
	require.NoError(t, err)
	return nc
}

func TestRoutesPeerInitToPeerConnManager(t *testing.T) {
	h, pc, _ := newTestHandler(t, nil)
	nc := dial(t, h)
	defer nc.Close()

	init := codec.PeerInit{Username: "alice", ConnectionType: codec.ConnectionTypePeer, Token: 1}
	_, err := nc.Write(init.ToBytes())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return pc.Count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRoutesDistributedPeerInitToDistributedManager(t *testing.T) {
	h, _, dm := newTestHandler(t, nil)
	nc := dial(t, h)
	defer nc.Close()

	init := codec.PeerInit{Username: "kid", ConnectionType: codec.ConnectionTypeDistributed, Token: 1}
	_, err := nc.Write(init.ToBytes())
	require.NoError(t, err)

	// children are not enabled in this config -> rejected, so child count stays zero, but the
	// connection must have been routed (and closed) rather than fall
	// through to peerconn.
	require.Eventually(t, func() bool {
		buf := make([]byte, 1)
		nc.SetReadDeadline(time.Now().Add(time.Second))
		_, err := nc.Read(buf)
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, dm.ChildCount())
}

func TestRoutesFileTransferPeerInitToTransferAcceptor(t *testing.T) {
	accepted := make(chan codec.ConnectionType, 1)
	h, _, _ := newTestHandler(t, func(nc net.Conn, connType codec.ConnectionType, token uint32) {
		accepted <- connType
	})
	nc := dial(t, h)
	defer nc.Close()

	init := codec.PeerInit{Username: "alice", ConnectionType: codec.ConnectionTypeFileTransfer, Token: 9}
	_, err := nc.Write(init.ToBytes())
	require.NoError(t, err)

	select {
	case ct := <-accepted:
		assert.Equal(t, codec.ConnectionTypeFileTransfer, ct)
	case <-time.After(time.Second):
		t.Fatal("transfer acceptor was not invoked")
	}
}

func TestUnclaimedPierceFirewallFallsBackToTransferAcceptor(t *testing.T) {
	accepted := make(chan uint32, 1)
	h, _, _ := newTestHandler(t, func(nc net.Conn, connType codec.ConnectionType, token uint32) {
		accepted <- token
	})
	nc := dial(t, h)
	defer nc.Close()

	_, err := nc.Write(codec.PierceFirewall{Token: 42}.ToBytes())
	require.NoError(t, err)

	select {
	case tok := <-accepted:
		assert.Equal(t, uint32(42), tok)
	case <-time.After(time.Second):
		t.Fatal("transfer acceptor was not invoked for unclaimed pierce firewall")
	}
}
