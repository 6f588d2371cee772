package peerconn

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soulseek-go/slsk/internal/codec"
	"github.com/soulseek-go/slsk/internal/conn"
	"github.com/soulseek-go/slsk/internal/logger"
	"github.com/soulseek-go/slsk/internal/token"
	"github.com/soulseek-go/slsk/internal/waiter"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	w := waiter.New(2 * time.Second)
	t.Cleanup(w.Close)
	tok := token.NewSource(0)
	return New(Config{
		OurUsername: "me",
		ServerWriter: func(ctx context.Context, payload []byte) error {
			return nil
		},
		Waiter:    w,
		Options:   conn.DefaultOptions,
		Logger:    logger.New("test"),
		NextToken: tok.Next,
	})
}

func TestHandleInboundPeerInitSupersedesExisting(t *testing.T) {
	m := newTestManager(t)

	first, firstRemote := net.Pipe()
	defer firstRemote.Close()
	mc1 := m.HandleInboundPeerInit(codec.PeerInit{Username: "alice"}, first)
	require.NotNil(t, mc1)
	assert.Equal(t, 1, m.Count())

	second, secondRemote := net.Pipe()
	defer secondRemote.Close()
	mc2 := m.HandleInboundPeerInit(codec.PeerInit{Username: "alice"}, second)
	require.NotNil(t, mc2)

	require.Eventually(t, func() bool {
		return mc1.State() == conn.StateDisconnected
	}, time.Second, 5*time.Millisecond)
	assert.NotEqual(t, mc1, mc2)
}

func TestHandleInboundPierceFirewallUnknownTokenLeavesSocketOpen(t *testing.T) {
	m := newTestManager(t)
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	err := m.HandleInboundPierceFirewall(codec.PierceFirewall{Token: 999}, local)
	assert.ErrorIs(t, err, ErrUnsolicited)

	// Socket must stay open: an unknown token here might still belong
	// to another manager (distributed, transfer), so closing is the
	// listener's call, not this manager's.
	go remote.Write([]byte("x"))
	buf := make([]byte, 1)
	_, err = local.Read(buf)
	assert.NoError(t, err)
}

func TestHandleInboundPierceFirewallFulfilsPendingSolicitation(t *testing.T) {
	m := newTestManager(t)
	m.registerSolicitation(7, "bob")

	key := solicitationKey("bob", 7)
	valueC, _ := m.waiter.Wait(context.Background(), key, time.Second)

	local, remote := net.Pipe()
	defer remote.Close()
	defer local.Close()

	require.NoError(t, m.HandleInboundPierceFirewall(codec.PierceFirewall{Token: 7}, local))

	select {
	case v := <-valueC:
		assert.Equal(t, local, v)
	case <-time.After(time.Second):
		t.Fatal("solicitation was not fulfilled")
	}
}

func TestGetOrConnectCollapsesConcurrentCallers(t *testing.T) {
	m := newTestManager(t)
	m.serverWriter = func(ctx context.Context, payload []byte) error {
		return assert.AnError // force the indirect leg to fail immediately
	}

	endpoint := conn.Key{Address: "10.255.255.1", Port: 1}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := m.GetOrConnect(ctx, "carol", endpoint)
			done <- err
		}()
	}
	for i := 0; i < 3; i++ {
		require.Error(t, <-done)
	}
	assert.Equal(t, 0, m.Count())
}

func TestNewReconnectBackOffHasNoMaxElapsedTime(t *testing.T) {
	b := NewReconnectBackOff()
	require.NotNil(t, b)
	assert.Greater(t, b.NextBackOff(), time.Duration(0))
	eb, ok := b.(*backoff.ExponentialBackOff)
	require.True(t, ok)
	assert.Equal(t, time.Duration(0), eb.MaxElapsedTime)
}
