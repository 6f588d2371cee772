package transfer

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
	"github.com/soulseek-go/slsk/internal/waiter"
)

func newRouterPair(t *testing.T, hooks Hooks) (*conn.MessageConnection, net.Conn, *waiter.Waiter) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })

	mc := conn.AdoptSocket(codec.ChannelPeer, a, conn.DefaultOptions, logger.New("test"), conn.Handlers{})
	w := waiter.New(2 * time.Second)
	t.Cleanup(w.Close)

	r := NewRouter("alice", mc, w, hooks, logger.New("test"))
	go r.Run()
	return mc, b, w
}

func TestRouterCompletesTransferResponseWaiter(t *testing.T) {
	_, remote, w := newRouterPair(t, Hooks{})

	valueC, _ := w.Wait(context.Background(), transferResponseKey("alice", 7), time.Second)

	resp := codec.TransferResponse{Token: 7, Allowed: true, FileSize: 500}
	_, err := remote.Write(resp.ToBytes())
	require.NoError(t, err)

	select {
	case v := <-valueC:
		got := v.(codec.TransferResponse)
		assert.Equal(t, int64(500), got.FileSize)
	case <-time.After(time.Second):
		t.Fatal("transfer response was not delivered")
	}
}

func TestRouterCompletesReadyNotificationOnUploadDirectionRequest(t *testing.T) {
	_, remote, w := newRouterPair(t, Hooks{})

	valueC, _ := w.WaitIndefinitely(context.Background(), readyKey("alice", "song.mp3"))

	req := codec.TransferRequest{Direction: 0, Token: 55, Filename: "song.mp3", FileSize: 900}
	_, err := remote.Write(req.ToBytes())
	require.NoError(t, err)

	select {
	case v := <-valueC:
		got := v.(readyNotification)
		assert.Equal(t, uint32(55), got.Token)
		assert.Equal(t, int64(900), got.FileSize)
	case <-time.After(time.Second):
		t.Fatal("ready notification was not delivered")
	}
}

func TestRouterInvokesIncomingTransferRequestHookOnDownloadDirection(t *testing.T) {
	called := make(chan codec.TransferRequest, 1)
	_, remote, _ := newRouterPair(t, Hooks{
		OnIncomingTransferRequest: func(username string, req codec.TransferRequest) codec.TransferResponse {
			called <- req
			return codec.TransferResponse{Token: req.Token, Allowed: true, FileSize: 42}
		},
	})

	req := codec.TransferRequest{Direction: 1, Token: 3, Filename: "a.txt"}
	_, err := remote.Write(req.ToBytes())
	require.NoError(t, err)

	select {
	case got := <-called:
		assert.Equal(t, "a.txt", got.Filename)
	case <-time.After(time.Second):
		t.Fatal("incoming transfer request hook was not invoked")
	}
}

func TestRouterInvokesQueueDownloadHook(t *testing.T) {
	called := make(chan string, 1)
	_, remote, _ := newRouterPair(t, Hooks{
		OnQueueDownload: func(username string, msg codec.QueueDownload) { called <- msg.Filename },
	})

	_, err := remote.Write(codec.QueueDownload{Filename: "b.txt"}.ToBytes())
	require.NoError(t, err)

	select {
	case name := <-called:
		assert.Equal(t, "b.txt", name)
	case <-time.After(time.Second):
		t.Fatal("queue download hook was not invoked")
	}
}
