package distributed

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soulseek-go/slsk/internal/codec"
	"github.com/soulseek-go/slsk/internal/conn"
	"github.com/soulseek-go/slsk/internal/logger"
	"github.com/soulseek-go/slsk/internal/token"
	"github.com/soulseek-go/slsk/internal/waiter"
)

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	if cfg.Waiter == nil {
		w := waiter.New(2 * time.Second)
		t.Cleanup(w.Close)
		cfg.Waiter = w
	}
	if cfg.OurUsername == "" {
		cfg.OurUsername = "me"
	}
	if cfg.ServerWriter == nil {
		cfg.ServerWriter = func(ctx context.Context, payload []byte) error { return nil }
	}
	if cfg.NextToken == nil {
		tok := token.NewSource(0)
		cfg.NextToken = tok.Next
	}
	cfg.Options = conn.DefaultOptions
	cfg.Logger = logger.New("test")
	m := New(cfg)
	t.Cleanup(m.Close)
	return m
}

func TestStatusIsPureFunctionOfState(t *testing.T) {
	s1 := Status{HaveNoParents: true, BranchLevel: 0, BranchRoot: "me", ChildDepth: 2, AcceptChildren: true}
	s2 := Status{HaveNoParents: true, BranchLevel: 0, BranchRoot: "me", ChildDepth: 2, AcceptChildren: true}
	assert.Equal(t, s1.hash(), s2.hash())

	s3 := s2
	s3.ChildDepth = 3
	assert.NotEqual(t, s1.hash(), s3.hash())
}

func TestNoParentImpliesZeroLevelAndSelfRoot(t *testing.T) {
	m := newTestManager(t, Config{Enabled: true})
	assert.False(t, m.HasParent())
	assert.Equal(t, int32(0), m.BranchLevel())
	assert.Equal(t, "me", m.BranchRoot())
}

func TestAdmitChildRejectedWhenDisabled(t *testing.T) {
	m := newTestManager(t, Config{Enabled: false, AcceptChildren: true})
	local, remote := net.Pipe()
	defer remote.Close()

	_, err := m.AdmitChild(codec.PeerInit{Username: "kid"}, local)
	assert.ErrorIs(t, err, ErrChildrenDisabled)
}

func TestAdmitChildRejectedWithoutParent(t *testing.T) {
	m := newTestManager(t, Config{Enabled: true, AcceptChildren: true})
	local, remote := net.Pipe()
	defer remote.Close()

	_, err := m.AdmitChild(codec.PeerInit{Username: "kid"}, local)
	assert.ErrorIs(t, err, ErrNoParent)
}

func TestAdmitChildSupersedesExisting(t *testing.T) {
	m := newTestManager(t, Config{Enabled: true, AcceptChildren: true, ChildLimit: 5})
	endpointMC, endpointRemote := net.Pipe()
	defer endpointRemote.Close()
	m.adoptParent(&peerLink{username: "parent", mc: conn.AdoptSocket(codec.ChannelDistributed, endpointMC, conn.DefaultOptions, logger.New("t"), conn.Handlers{})}, 0, "parent")

	first, firstRemote := net.Pipe()
	defer firstRemote.Close()
	mc1, err := m.AdmitChild(codec.PeerInit{Username: "kid"}, first)
	require.NoError(t, err)
	require.Equal(t, 1, m.ChildCount())

	second, secondRemote := net.Pipe()
	defer secondRemote.Close()
	mc2, err := m.AdmitChild(codec.PeerInit{Username: "kid"}, second)
	require.NoError(t, err)
	assert.Equal(t, 1, m.ChildCount())
	assert.NotEqual(t, mc1, mc2)

	require.Eventually(t, func() bool {
		return mc1.State() == conn.StateDisconnected
	}, time.Second, 5*time.Millisecond)
}

func TestAdmitChildRejectedAtLimit(t *testing.T) {
	m := newTestManager(t, Config{Enabled: true, AcceptChildren: true, ChildLimit: 1})
	parentMC, parentRemote := net.Pipe()
	defer parentRemote.Close()
	m.adoptParent(&peerLink{username: "parent", mc: conn.AdoptSocket(codec.ChannelDistributed, parentMC, conn.DefaultOptions, logger.New("t"), conn.Handlers{})}, 0, "parent")

	first, firstRemote := net.Pipe()
	defer firstRemote.Close()
	_, err := m.AdmitChild(codec.PeerInit{Username: "a"}, first)
	require.NoError(t, err)

	second, secondRemote := net.Pipe()
	defer secondRemote.Close()
	_, err = m.AdmitChild(codec.PeerInit{Username: "b"}, second)
	assert.ErrorIs(t, err, ErrChildLimitReached)
}

func TestBroadcastContinuesPastFailingChild(t *testing.T) {
	m := newTestManager(t, Config{Enabled: true, AcceptChildren: true, ChildLimit: 5})

	goodLocal, goodRemote := net.Pipe()
	defer goodRemote.Close()
	goodMC := conn.AdoptSocket(codec.ChannelDistributed, goodLocal, conn.DefaultOptions, logger.New("t"), conn.Handlers{})
	m.mu.Lock()
	m.children["good"] = &peerLink{username: "good", mc: goodMC}
	m.mu.Unlock()

	badLocal, badRemote := net.Pipe()
	badRemote.Close() // force writes on badLocal to fail
	badMC := conn.AdoptSocket(codec.ChannelDistributed, badLocal, conn.DefaultOptions, logger.New("t"), conn.Handlers{})
	m.mu.Lock()
	m.children["bad"] = &peerLink{username: "bad", mc: badMC}
	m.mu.Unlock()

	go func() {
		buf := make([]byte, 64)
		goodRemote.Read(buf)
	}()

	payload := codec.DistributedBranchLevelMessage{Level: 1}.ToBytes()
	m.Broadcast(context.Background(), payload)

	require.Eventually(t, func() bool {
		return m.ChildCount() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, m.ChildCount())
}

func TestSelectParentReturnsErrNoCandidatesWhenEmpty(t *testing.T) {
	m := newTestManager(t, Config{Enabled: true})
	err := m.SelectParent(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoCandidates)
}
